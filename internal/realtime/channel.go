// Package realtime is the pub/sub abstraction mirroring a session
// record and its presence map across all viewers of the same session.
// Subscriptions are NOT self-filtering: a publish is echoed back to the
// publisher, and callers must filter their own echoes.
package realtime

import (
	"context"
	"sync"

	"github.com/activebrainatlas/statelink/internal/session"
)

// PresenceEntry is one user's heartbeat under a session. Date is epoch
// milliseconds of the last heartbeat; the wire field names are fixed by
// the existing store layout.
type PresenceEntry struct {
	Name string `json:"name"`
	Date int64  `json:"date"`
}

type Subscription interface {
	Close()
}

type Logger interface {
	Printf(format string, args ...any)
}

// Channel mirrors a session record and presence map through some
// realtime store. Publish failures are the caller's to log; they are
// never blocking errors for the end user.
type Channel interface {
	// ReadDocument is the startup probe: the current mirrored record,
	// if one has been published.
	ReadDocument(ctx context.Context, sessionID int64) (session.Record, bool, error)
	// SubscribeDocument fires once immediately with the current value
	// if present, then on every subsequent write, including the
	// subscriber's own.
	SubscribeDocument(ctx context.Context, sessionID int64, fn func(session.Record)) (Subscription, error)
	PublishDocument(ctx context.Context, sessionID int64, record session.Record) error

	ReadPresence(ctx context.Context, sessionID int64) (map[int64]PresenceEntry, error)
	PublishPresence(ctx context.Context, sessionID int64, userID int64, entry PresenceEntry) error
	RemovePresence(ctx context.Context, sessionID int64, userID int64) error
	SubscribePresence(ctx context.Context, sessionID int64, fn func(map[int64]PresenceEntry)) (Subscription, error)
}

type funcSubscription struct {
	once  sync.Once
	close func()
}

func (s *funcSubscription) Close() {
	s.once.Do(s.close)
}

// MemoryChannel is the in-process Channel used by tests and the
// single-binary dev setup. Callbacks run synchronously on the
// publishing goroutine.
type MemoryChannel struct {
	mu       sync.Mutex
	docs     map[int64]session.Record
	hasDoc   map[int64]bool
	presence map[int64]map[int64]PresenceEntry
	docSubs  map[int64]map[int]func(session.Record)
	presSubs map[int64]map[int]func(map[int64]PresenceEntry)
	nextID   int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		docs:     map[int64]session.Record{},
		hasDoc:   map[int64]bool{},
		presence: map[int64]map[int64]PresenceEntry{},
		docSubs:  map[int64]map[int]func(session.Record){},
		presSubs: map[int64]map[int]func(map[int64]PresenceEntry){},
	}
}

func (c *MemoryChannel) ReadDocument(ctx context.Context, sessionID int64) (session.Record, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[sessionID], c.hasDoc[sessionID], nil
}

func (c *MemoryChannel) SubscribeDocument(ctx context.Context, sessionID int64, fn func(session.Record)) (Subscription, error) {
	_ = ctx
	c.mu.Lock()
	if c.docSubs[sessionID] == nil {
		c.docSubs[sessionID] = map[int]func(session.Record){}
	}
	id := c.nextID
	c.nextID++
	c.docSubs[sessionID][id] = fn
	record, present := c.docs[sessionID], c.hasDoc[sessionID]
	c.mu.Unlock()

	if present {
		fn(record)
	}
	return &funcSubscription{close: func() {
		c.mu.Lock()
		delete(c.docSubs[sessionID], id)
		c.mu.Unlock()
	}}, nil
}

func (c *MemoryChannel) PublishDocument(ctx context.Context, sessionID int64, record session.Record) error {
	_ = ctx
	c.mu.Lock()
	c.docs[sessionID] = record
	c.hasDoc[sessionID] = true
	fns := make([]func(session.Record), 0, len(c.docSubs[sessionID]))
	for _, fn := range c.docSubs[sessionID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(record)
	}
	return nil
}

func (c *MemoryChannel) ReadPresence(ctx context.Context, sessionID int64) (map[int64]PresenceEntry, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPresence(c.presence[sessionID]), nil
}

func (c *MemoryChannel) PublishPresence(ctx context.Context, sessionID int64, userID int64, entry PresenceEntry) error {
	_ = ctx
	c.mu.Lock()
	if c.presence[sessionID] == nil {
		c.presence[sessionID] = map[int64]PresenceEntry{}
	}
	c.presence[sessionID][userID] = entry
	c.mu.Unlock()
	c.notifyPresence(sessionID)
	return nil
}

func (c *MemoryChannel) RemovePresence(ctx context.Context, sessionID int64, userID int64) error {
	_ = ctx
	c.mu.Lock()
	delete(c.presence[sessionID], userID)
	c.mu.Unlock()
	c.notifyPresence(sessionID)
	return nil
}

func (c *MemoryChannel) SubscribePresence(ctx context.Context, sessionID int64, fn func(map[int64]PresenceEntry)) (Subscription, error) {
	_ = ctx
	c.mu.Lock()
	if c.presSubs[sessionID] == nil {
		c.presSubs[sessionID] = map[int]func(map[int64]PresenceEntry){}
	}
	id := c.nextID
	c.nextID++
	c.presSubs[sessionID][id] = fn
	c.mu.Unlock()
	return &funcSubscription{close: func() {
		c.mu.Lock()
		delete(c.presSubs[sessionID], id)
		c.mu.Unlock()
	}}, nil
}

func (c *MemoryChannel) notifyPresence(sessionID int64) {
	c.mu.Lock()
	snapshot := copyPresence(c.presence[sessionID])
	fns := make([]func(map[int64]PresenceEntry), 0, len(c.presSubs[sessionID]))
	for _, fn := range c.presSubs[sessionID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(copyPresence(snapshot))
	}
}

func copyPresence(entries map[int64]PresenceEntry) map[int64]PresenceEntry {
	copied := make(map[int64]PresenceEntry, len(entries))
	for userID, entry := range entries {
		copied[userID] = entry
	}
	return copied
}
