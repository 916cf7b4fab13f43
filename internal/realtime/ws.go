package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/activebrainatlas/statelink/internal/session"
)

const wsReadLimit = 8 << 20

// WSChannel is a Channel backed by the relay server's websocket
// endpoint. One connection is held per session; the relay pushes a
// hello frame with the current document and presence on join, then
// fans out every publish to all connected viewers, the publisher
// included.
type WSChannel struct {
	baseURL    string
	httpClient *http.Client
	logger     Logger

	mu       sync.Mutex
	sessions map[int64]*wsSession
	closed   bool
}

func NewWSChannel(baseURL string, httpClient *http.Client, logger Logger) (*WSChannel, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("relay base URL is required")
	}
	return &WSChannel{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sessions:   map[int64]*wsSession{},
	}, nil
}

type wsSession struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	logger Logger
	hello  chan struct{}

	mu           sync.Mutex
	hasDoc       bool
	lastDoc      session.Record
	lastPresence map[int64]PresenceEntry
	docHandlers  map[int]func(session.Record)
	presHandlers map[int]func(map[int64]PresenceEntry)
	nextID       int
}

func (c *WSChannel) ReadDocument(ctx context.Context, sessionID int64) (session.Record, bool, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return session.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDoc, s.hasDoc, nil
}

func (c *WSChannel) SubscribeDocument(ctx context.Context, sessionID int64, fn func(session.Record)) (Subscription, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.docHandlers[id] = fn
	record, present := s.lastDoc, s.hasDoc
	s.mu.Unlock()

	if present {
		fn(record)
	}
	return &funcSubscription{close: func() {
		s.mu.Lock()
		delete(s.docHandlers, id)
		s.mu.Unlock()
	}}, nil
}

func (c *WSChannel) PublishDocument(ctx context.Context, sessionID int64, record session.Record) error {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, s.conn, WireMessage{Kind: KindDocument, Record: &record})
}

func (c *WSChannel) ReadPresence(ctx context.Context, sessionID int64) (map[int64]PresenceEntry, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPresence(s.lastPresence), nil
}

func (c *WSChannel) PublishPresence(ctx context.Context, sessionID int64, userID int64, entry PresenceEntry) error {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, s.conn, WireMessage{Kind: KindPresenceSet, UserID: userID, Entry: &entry})
}

func (c *WSChannel) RemovePresence(ctx context.Context, sessionID int64, userID int64) error {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, s.conn, WireMessage{Kind: KindPresenceRemove, UserID: userID})
}

func (c *WSChannel) SubscribePresence(ctx context.Context, sessionID int64, fn func(map[int64]PresenceEntry)) (Subscription, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.presHandlers[id] = fn
	s.mu.Unlock()
	return &funcSubscription{close: func() {
		s.mu.Lock()
		delete(s.presHandlers, id)
		s.mu.Unlock()
	}}, nil
}

// Close tears down every relay connection.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*wsSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = map[int64]*wsSession{}
	c.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

func (c *WSChannel) session(ctx context.Context, sessionID int64) (*wsSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("channel is closed")
	}
	if s, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/realtime/%d", wsBaseURL(c.baseURL), sessionID)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:         conn,
		cancel:       cancel,
		logger:       c.logger,
		hello:        make(chan struct{}),
		lastPresence: map[int64]PresenceEntry{},
		docHandlers:  map[int]func(session.Record){},
		presHandlers: map[int]func(map[int64]PresenceEntry){},
	}

	c.mu.Lock()
	if existing, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	c.sessions[sessionID] = s
	c.mu.Unlock()

	go s.readLoop(readCtx)

	select {
	case <-s.hello:
	case <-ctx.Done():
		// Deregister the half-initialized session so the next caller
		// dials fresh instead of reading zero-valued state from it.
		c.mu.Lock()
		if c.sessions[sessionID] == s {
			delete(c.sessions, sessionID)
		}
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "hello not received")
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		var msg WireMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			if ctx.Err() == nil && s.logger != nil {
				s.logger.Printf("relay connection lost: %v", err)
			}
			return
		}
		switch msg.Kind {
		case KindHello:
			s.mu.Lock()
			if msg.Record != nil {
				s.lastDoc = *msg.Record
				s.hasDoc = true
			}
			s.lastPresence = DecodePresenceMap(msg.Presence)
			s.mu.Unlock()
			select {
			case <-s.hello:
			default:
				close(s.hello)
			}
		case KindDocument:
			if msg.Record == nil {
				continue
			}
			s.mu.Lock()
			s.lastDoc = *msg.Record
			s.hasDoc = true
			fns := make([]func(session.Record), 0, len(s.docHandlers))
			for _, fn := range s.docHandlers {
				fns = append(fns, fn)
			}
			s.mu.Unlock()
			for _, fn := range fns {
				fn(*msg.Record)
			}
		case KindPresence:
			entries := DecodePresenceMap(msg.Presence)
			s.mu.Lock()
			s.lastPresence = entries
			fns := make([]func(map[int64]PresenceEntry), 0, len(s.presHandlers))
			for _, fn := range s.presHandlers {
				fns = append(fns, fn)
			}
			s.mu.Unlock()
			for _, fn := range fns {
				fn(copyPresence(entries))
			}
		}
	}
}

func wsBaseURL(baseURL string) string {
	if rest, ok := strings.CutPrefix(baseURL, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(baseURL, "http://"); ok {
		return "ws://" + rest
	}
	return baseURL
}
