// Package address derives the session mode from a page address and
// abstracts the address bar so the sync engine can rewrite it without
// touching process-global state.
package address

import (
	"net/url"
	"strconv"
	"sync"
)

// State is the mode decision derived from the page address query
// parameters. A session id with no multi flag means single-user mode;
// no session id at all means legacy mode, where the whole document is
// carried in the fragment.
type State struct {
	SessionID  int64
	HasSession bool
	MultiUser  bool
	Fragment   string
}

// Mode returns a short label for logging.
func (s State) Mode() string {
	switch {
	case !s.HasSession:
		return "legacy"
	case s.MultiUser:
		return "multi-user"
	default:
		return "single-user"
	}
}

// Parse inspects rawURL and produces the address state. It has no
// failure mode: anything absent or malformed defaults to legacy mode.
func Parse(rawURL string) State {
	u, err := url.Parse(rawURL)
	if err != nil {
		return State{}
	}
	return FromURL(*u)
}

// FromURL is Parse for an already-parsed URL.
func FromURL(u url.URL) State {
	state := State{}
	if frag := u.EscapedFragment(); frag != "" {
		state.Fragment = "#" + frag
	}
	query := u.Query()
	rawID := query.Get("id")
	if rawID == "" {
		return state
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return state
	}
	state.SessionID = id
	state.HasSession = true
	state.MultiUser = query.Get("multi") == "1"
	return state
}

// WithFragment returns a copy of u carrying the given fragment. The
// fragment is stored escaped, as legacy documents are percent-encoded.
func WithFragment(u url.URL, fragment string) url.URL {
	u.Fragment = ""
	u.RawFragment = ""
	if fragment != "" {
		if fragment[0] == '#' {
			fragment = fragment[1:]
		}
		if unescaped, err := url.PathUnescape(fragment); err == nil {
			u.Fragment = unescaped
			u.RawFragment = fragment
		} else {
			u.Fragment = fragment
		}
	}
	return u
}

// WithSessionID returns a copy of u whose id query parameter is set to
// the given session id.
func WithSessionID(u url.URL, id int64) url.URL {
	query := u.Query()
	query.Set("id", strconv.FormatInt(id, 10))
	u.RawQuery = query.Encode()
	return u
}

// Location is the engine's view of the address bar. Replace must not
// trigger a navigation; it only records the new address.
type Location interface {
	Current() url.URL
	Replace(u url.URL)
}

// MemoryLocation is an in-process Location, used by the CLI and tests.
type MemoryLocation struct {
	mu sync.Mutex
	u  url.URL
}

func NewMemoryLocation(rawURL string) (*MemoryLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &MemoryLocation{u: *u}, nil
}

func (l *MemoryLocation) Current() url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u
}

func (l *MemoryLocation) Replace(u url.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u = u
}

func (l *MemoryLocation) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u.String()
}
