// Package presence maintains the local user's heartbeat entry under a
// session and derives the filtered, ordered view of active viewers.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

// DefaultTTL is the staleness cutoff for the display view. Entries
// older than this are hidden but not deleted; there is no background
// reaper.
const DefaultTTL = 5 * time.Minute

type Logger interface {
	Printf(format string, args ...any)
}

// ActiveUser is one row of the rendered viewer list.
type ActiveUser struct {
	UserID int64
	Name   string
}

type Options struct {
	Channel   realtime.Channel
	SessionID int64
	Self      session.Identity
	TTL       time.Duration
	Logger    Logger
	// OnUpdate is invoked with the re-derived active list whenever the
	// presence map changes.
	OnUpdate func(users []ActiveUser)
	Now      func() time.Time
}

// Tracker publishes the local user's heartbeat and mirrors the
// session's presence map.
type Tracker struct {
	channel   realtime.Channel
	sessionID int64
	self      session.Identity
	ttl       time.Duration
	logger    Logger
	onUpdate  func([]ActiveUser)
	now       func() time.Time

	mu      sync.Mutex
	entries map[int64]realtime.PresenceEntry
	sub     realtime.Subscription
	started bool
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if !opts.Self.Authenticated() {
		return nil, errors.New("presence requires an authenticated user")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		channel:   opts.Channel,
		sessionID: opts.SessionID,
		self:      opts.Self,
		ttl:       ttl,
		logger:    opts.Logger,
		onUpdate:  opts.OnUpdate,
		now:       now,
		entries:   map[int64]realtime.PresenceEntry{},
	}, nil
}

// Start publishes a fresh entry for the local user, reads the current
// map once for the initial view, then keeps listening for changes.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.Heartbeat(ctx); err != nil {
		return err
	}
	entries, err := t.channel.ReadPresence(ctx, t.sessionID)
	if err != nil {
		return err
	}
	t.apply(entries)

	sub, err := t.channel.SubscribePresence(ctx, t.sessionID, t.apply)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Heartbeat re-publishes the local user's entry with a current
// timestamp. Failures are logged, never surfaced as blocking errors.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	entry := realtime.PresenceEntry{
		Name: t.self.Username,
		Date: t.now().UnixMilli(),
	}
	if err := t.channel.PublishPresence(ctx, t.sessionID, t.self.UserID, entry); err != nil {
		t.logf("presence heartbeat failed: %v", err)
		return err
	}
	return nil
}

// ActiveUsers derives the display view: entries seen within the TTL,
// local user first, the rest ordered by name.
func (t *Tracker) ActiveUsers() []ActiveUser {
	cutoff := t.now().UnixMilli() - t.ttl.Milliseconds()
	t.mu.Lock()
	entries := make(map[int64]realtime.PresenceEntry, len(t.entries))
	for userID, entry := range t.entries {
		entries[userID] = entry
	}
	t.mu.Unlock()

	users := make([]ActiveUser, 0, len(entries))
	for userID, entry := range entries {
		if entry.Date <= cutoff {
			continue
		}
		users = append(users, ActiveUser{UserID: userID, Name: entry.Name})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserID == t.self.UserID {
			return true
		}
		if users[j].UserID == t.self.UserID {
			return false
		}
		return users[i].Name < users[j].Name
	})
	return users
}

// Leave removes the local user's entry. Removal is explicit; closing
// the tracker alone leaves the entry to go stale.
func (t *Tracker) Leave(ctx context.Context) error {
	return t.channel.RemovePresence(ctx, t.sessionID, t.self.UserID)
}

// Close tears down the presence subscription.
func (t *Tracker) Close() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (t *Tracker) apply(entries map[int64]realtime.PresenceEntry) {
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	if t.onUpdate != nil {
		t.onUpdate(t.ActiveUsers())
	}
}

func (t *Tracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
