package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/activebrainatlas/statelink/internal/realtime"
	"github.com/activebrainatlas/statelink/internal/session"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// Tokens maps bearer tokens to the identity they authenticate.
	// Requests with no token or an unknown token still get a 200 from
	// /session, carrying the zero identity; clients treat that as
	// read-only mode rather than an error.
	Tokens map[string]session.Identity

	MaxBodyBytes int64
	Logger       Logger
}

type Server struct {
	store RecordStore
	cfg   ServerConfig
	hub   *hub
}

func NewServer(store RecordStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store RecordStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	return &Server{
		store: store,
		cfg:   cfg,
		hub:   newHub(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/session" && r.Method == http.MethodGet {
		s.handleSession(w, r)
		return
	}
	if r.URL.Path == "/neuroglancer" && r.Method == http.MethodPost {
		s.handleCreateRecord(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "neuroglancer" && r.Method == http.MethodGet:
		s.handleGetRecord(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "neuroglancer" && r.Method == http.MethodPut:
		s.handleUpdateRecord(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "realtime" && r.Method == http.MethodGet:
		s.handleRealtime(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.identify(r))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseRecordID(w, rawID)
	if !ok {
		return
	}
	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var record session.Record
	if !s.decodeJSONBody(w, r, &record) {
		return
	}
	created, err := s.store.Create(r.Context(), record)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseRecordID(w, rawID)
	if !ok {
		return
	}
	var record session.Record
	if !s.decodeJSONBody(w, r, &record) {
		return
	}
	updated, err := s.store.Update(r.Context(), id, record)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.publishDocument(id, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid session id")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logf("realtime accept failed: %v", err)
		return
	}
	conn.SetReadLimit(8 << 20)

	hello, msgs, leave := s.hub.join(id)
	defer leave()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello write failed")
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}()

	s.readRealtime(ctx, conn, id)
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-writeDone
}

// readRealtime applies client frames to the hub until the connection
// drops. Unknown kinds are ignored so older clients keep working.
func (s *Server) readRealtime(ctx context.Context, conn *websocket.Conn, id int64) {
	for {
		var msg realtime.WireMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Kind {
		case realtime.KindDocument:
			if msg.Record != nil {
				s.hub.publishDocument(id, *msg.Record)
			}
		case realtime.KindPresenceSet:
			if msg.Entry != nil {
				s.hub.setPresence(id, msg.UserID, *msg.Entry)
			}
		case realtime.KindPresenceRemove:
			s.hub.removePresence(id, msg.UserID)
		}
	}
}

func (s *Server) identify(r *http.Request) session.Identity {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return session.Identity{}
	}
	return s.cfg.Tokens[strings.TrimSpace(token)]
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func parseRecordID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid record id")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
