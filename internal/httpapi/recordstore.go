// Package httpapi is the serving side of the session system: the REST
// endpoints over session records, identity lookup, and the websocket
// relay that mirrors records and presence between viewers.
package httpapi

import (
	"context"
	"errors"
	"sync"

	"github.com/activebrainatlas/statelink/internal/session"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// RecordStore persists session records. Create assigns the id; Update
// is a full-record replace with last-writer-wins semantics.
type RecordStore interface {
	Get(ctx context.Context, id int64) (session.Record, error)
	Create(ctx context.Context, record session.Record) (session.Record, error)
	Update(ctx context.Context, id int64, record session.Record) (session.Record, error)
	Close() error
}

type memoryRecordStore struct {
	mu      sync.Mutex
	records map[int64]session.Record
	nextID  int64
}

func NewMemoryRecordStore() RecordStore {
	return &memoryRecordStore{
		records: map[int64]session.Record{},
		nextID:  1,
	}
}

func (s *memoryRecordStore) Get(ctx context.Context, id int64) (session.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return session.Record{}, ErrNotFound
	}
	return record, nil
}

func (s *memoryRecordStore) Create(ctx context.Context, record session.Record) (session.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = s.nextID
	s.nextID++
	if record.Document == nil {
		record.Document = map[string]any{}
	}
	s.records[record.ID] = record
	return record, nil
}

func (s *memoryRecordStore) Update(ctx context.Context, id int64, record session.Record) (session.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return session.Record{}, ErrNotFound
	}
	record.ID = id
	if record.Document == nil {
		record.Document = map[string]any{}
	}
	s.records[id] = record
	return record, nil
}

func (s *memoryRecordStore) Close() error {
	return nil
}
