package httpapi

import (
	"sync"

	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

const subscriberBufferSize = 64

// hub fans realtime messages out to every websocket subscriber of one
// shared session. Every broadcast goes to every subscriber, the sender
// included; clients decide for themselves which updates to apply.
type hub struct {
	mu       sync.Mutex
	sessions map[int64]*hubSession
}

type hubSession struct {
	record      *session.Record
	presence    map[int64]realtime.PresenceEntry
	subscribers map[*hubSubscriber]struct{}
}

type hubSubscriber struct {
	msgs chan realtime.WireMessage
}

func newHub() *hub {
	return &hub{sessions: make(map[int64]*hubSession)}
}

func (h *hub) session(id int64) *hubSession {
	if s, ok := h.sessions[id]; ok {
		return s
	}
	s := &hubSession{
		presence:    make(map[int64]realtime.PresenceEntry),
		subscribers: make(map[*hubSubscriber]struct{}),
	}
	h.sessions[id] = s
	return s
}

// join registers a subscriber and returns the hello message carrying
// the session's current state. The leave func is idempotent.
func (h *hub) join(id int64) (realtime.WireMessage, <-chan realtime.WireMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.session(id)
	sub := &hubSubscriber{msgs: make(chan realtime.WireMessage, subscriberBufferSize)}
	s.subscribers[sub] = struct{}{}

	hello := realtime.WireMessage{
		Kind:     realtime.KindHello,
		Presence: realtime.EncodePresenceMap(s.presence),
	}
	if s.record != nil {
		copied := *s.record
		hello.Record = &copied
	}

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(s.subscribers, sub)
		})
	}
	return hello, sub.msgs, leave
}

func (h *hub) publishDocument(id int64, record session.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.session(id)
	copied := record
	s.record = &copied
	broadcast := copied
	s.broadcast(realtime.WireMessage{Kind: realtime.KindDocument, Record: &broadcast})
}

// Presence changes arrive from clients as deltas, but every subscriber
// receives the full updated map. That keeps late joiners and clients
// with dropped frames consistent without a reconciliation protocol.
func (h *hub) setPresence(id, userID int64, entry realtime.PresenceEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.session(id)
	s.presence[userID] = entry
	s.broadcast(realtime.WireMessage{Kind: realtime.KindPresence, Presence: realtime.EncodePresenceMap(s.presence)})
}

func (h *hub) removePresence(id, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.session(id)
	delete(s.presence, userID)
	s.broadcast(realtime.WireMessage{Kind: realtime.KindPresence, Presence: realtime.EncodePresenceMap(s.presence)})
}

// broadcast must be called with the hub lock held. Slow subscribers
// whose buffers are full miss the message rather than stall the rest.
func (s *hubSession) broadcast(msg realtime.WireMessage) {
	for sub := range s.subscribers {
		select {
		case sub.msgs <- msg:
		default:
		}
	}
}
