package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/activebrainatlas/statelink/internal/session"
)

const (
	postgresRecordTableName  = "neuroglancer_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresRecordStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (*PostgresRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRecordStore{
		dsn:       dsn,
		tableName: postgresRecordTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id int64) (session.Record, error) {
	if err := s.ensureReady(); err != nil {
		return session.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, person_id, comments, user_date, document FROM %s WHERE id = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var record session.Record
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.OwnerID, &record.Comment, &record.LastModified, &payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, ErrNotFound
	}
	if err != nil {
		return session.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &record.Document); err != nil {
		return session.Record{}, err
	}
	if record.Document == nil {
		record.Document = map[string]any{}
	}
	return record, nil
}

func (s *PostgresRecordStore) Create(ctx context.Context, record session.Record) (session.Record, error) {
	if err := s.ensureReady(); err != nil {
		return session.Record{}, err
	}
	payload, err := json.Marshal(record.Document)
	if err != nil {
		return session.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (person_id, comments, user_date, document)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, postgresQuoteIdentifier(s.tableName))
	err = s.db.QueryRowContext(ctx, query, record.OwnerID, record.Comment, record.LastModified, string(payload)).Scan(&record.ID)
	if err != nil {
		return session.Record{}, err
	}
	if record.Document == nil {
		record.Document = map[string]any{}
	}
	return record, nil
}

func (s *PostgresRecordStore) Update(ctx context.Context, id int64, record session.Record) (session.Record, error) {
	if err := s.ensureReady(); err != nil {
		return session.Record{}, err
	}
	payload, err := json.Marshal(record.Document)
	if err != nil {
		return session.Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET person_id = $2, comments = $3, user_date = $4, document = $5
		WHERE id = $1`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, id, record.OwnerID, record.Comment, record.LastModified, string(payload))
	if err != nil {
		return session.Record{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return session.Record{}, err
	}
	if affected == 0 {
		return session.Record{}, ErrNotFound
	}
	record.ID = id
	if record.Document == nil {
		record.Document = map[string]any{}
	}
	return record, nil
}

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				person_id BIGINT NOT NULL,
				comments TEXT NOT NULL,
				user_date TEXT NOT NULL,
				document TEXT NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
