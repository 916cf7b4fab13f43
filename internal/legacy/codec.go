// Package legacy encodes and decodes a whole document carried literally
// in the page address fragment. It is only used when the address has no
// session id.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/activebrainatlas/statelink/internal/document"
)

var ErrDecode = errors.New("fragment decode error")

// DecodeError is terminal: the caller surfaces it through an observable
// error slot instead of retrying.
type DecodeError struct {
	Fragment string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot decode fragment: %v", e.Err)
	}
	return "cannot decode fragment"
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Fetcher resolves a remote JSON reference embedded in the fragment
// through whatever credential handling the host has configured.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string) (any, error)
}

// Result is a decoded fragment. SkipReset is true for the "+" raw
// sub-format, whose semantics are restore-on-top-of-current rather than
// reset-then-restore.
type Result struct {
	Value     map[string]any
	SkipReset bool
}

var schemePattern = regexp.MustCompile(`^#!([a-z][a-z\d+\-.]*)://`)

// Decode interprets the address fragment. Four sub-formats, tried in
// order: empty placeholder, remote JSON reference, raw percent-encoded
// JSON (no reset), and plain percent-encoded JSON (with reset).
func Decode(ctx context.Context, fragment string, fetcher Fetcher) (Result, error) {
	s := fragment
	if s == "" || s == "#" || s == "#!" {
		s = "#!{}"
	}

	if schemePattern.MatchString(s) {
		remote := s[2:]
		if fetcher == nil {
			return Result{}, &DecodeError{Fragment: fragment, Err: errors.New("no fetcher configured for remote reference " + remote)}
		}
		value, err := fetcher.FetchJSON(ctx, remote)
		if err != nil {
			return Result{}, &DecodeError{Fragment: fragment, Err: err}
		}
		object, err := document.VerifyObject(value)
		if err != nil {
			return Result{}, &DecodeError{Fragment: fragment, Err: err}
		}
		return Result{Value: object}, nil
	}

	if rest, ok := strings.CutPrefix(s, "#!+"); ok {
		object, err := decodeInline(rest)
		if err != nil {
			return Result{}, &DecodeError{Fragment: fragment, Err: err}
		}
		return Result{Value: object, SkipReset: true}, nil
	}

	if rest, ok := strings.CutPrefix(s, "#!"); ok {
		object, err := decodeInline(rest)
		if err != nil {
			return Result{}, &DecodeError{Fragment: fragment, Err: err}
		}
		return Result{Value: object}, nil
	}

	return Result{}, &DecodeError{
		Fragment: fragment,
		Err:      errors.New(`fragment is expected to be of the form "#!{...}" or "#!+{...}"`),
	}
}

// Encode is the inverse of the plain sub-format: a pure function of the
// snapshot, so encoding is restartable at any time.
func Encode(snapshot any) (string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return "#!" + url.PathEscape(string(raw)), nil
}

func decodeInline(encoded string) (map[string]any, error) {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return nil, err
	}
	value, err := urlSafeParse(decoded)
	if err != nil {
		return nil, err
	}
	return document.VerifyObject(value)
}
