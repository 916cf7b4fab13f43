package legacy

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode"
)

// urlSafeParse parses the URL-safe JSON dialect historically used in
// fragments: strict JSON, plus single-quoted strings and bare object
// keys, both of which survive address bars better than double quotes.
func urlSafeParse(s string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err == nil {
		return value, nil
	}
	normalized, err := normalizeURLSafeJSON(s)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(normalized), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// normalizeURLSafeJSON rewrites single-quoted strings to double-quoted
// ones and quotes bare object keys, leaving strict JSON untouched.
func normalizeURLSafeJSON(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s) + 16)
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '"':
			end, err := copyDoubleQuoted(&out, runes, i)
			if err != nil {
				return "", err
			}
			i = end
		case r == '\'':
			end, err := convertSingleQuoted(&out, runes, i)
			if err != nil {
				return "", err
			}
			i = end
		case isIdentStart(r):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			ident := string(runes[start:i])
			if isBareLiteral(ident) && !followedByColon(runes, i) {
				out.WriteString(ident)
				continue
			}
			if followedByColon(runes, i) {
				out.WriteByte('"')
				out.WriteString(ident)
				out.WriteByte('"')
				continue
			}
			return "", errors.New("unexpected bare token " + ident)
		default:
			out.WriteRune(r)
			i++
		}
	}
	return out.String(), nil
}

func copyDoubleQuoted(out *strings.Builder, runes []rune, start int) (int, error) {
	out.WriteRune(runes[start])
	i := start + 1
	for i < len(runes) {
		r := runes[i]
		out.WriteRune(r)
		if r == '\\' && i+1 < len(runes) {
			out.WriteRune(runes[i+1])
			i += 2
			continue
		}
		i++
		if r == '"' {
			return i, nil
		}
	}
	return 0, errors.New("unterminated string")
}

func convertSingleQuoted(out *strings.Builder, runes []rune, start int) (int, error) {
	out.WriteByte('"')
	i := start + 1
	for i < len(runes) {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if next == '\'' {
				out.WriteByte('\'')
			} else {
				out.WriteRune(r)
				out.WriteRune(next)
			}
			i += 2
			continue
		}
		if r == '\'' {
			out.WriteByte('"')
			return i + 1, nil
		}
		if r == '"' {
			out.WriteString(`\"`)
			i++
			continue
		}
		out.WriteRune(r)
		i++
	}
	return 0, errors.New("unterminated string")
}

func followedByColon(runes []rune, i int) bool {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i < len(runes) && runes[i] == ':'
}

func isBareLiteral(ident string) bool {
	return ident == "true" || ident == "false" || ident == "null"
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
