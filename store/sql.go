package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// SQLStore persists targets as JSON rows in a relational table with an
// optimistic version column. Statements target SQLite-compatible engines.
type SQLStore[T any] struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// SQLOption configures a SQL-backed target store.
type SQLOption[T any] func(*SQLStore[T])

// WithTable overrides the default table name.
func WithTable[T any](name string) SQLOption[T] {
	return func(s *SQLStore[T]) {
		if name = strings.TrimSpace(name); name != "" {
			s.table = name
		}
	}
}

// NewSQLStore builds a store over db. The schema is created on first use.
func NewSQLStore[T any](db *sql.DB, opts ...SQLOption[T]) *SQLStore[T] {
	s := &SQLStore[T]{
		db:    db,
		table: "targets",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get reads and decodes the record for id, nil when absent.
func (s *SQLStore[T]) Get(ctx context.Context, id string) (*Record[T], error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, delivery.ValidationError("target id required", nil)
	}

	q := fmt.Sprintf(`SELECT payload, version, updated_at FROM %s WHERE target_id = ?`, s.table)
	var payload string
	var version int
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&payload, &version, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &Record[T]{ID: id, Version: version}
	if err := json.Unmarshal([]byte(payload), &rec.Target); err != nil {
		return nil, fmt.Errorf("decode target %s: %w", id, err)
	}
	if updatedAtStr != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAtStr); parseErr == nil {
			rec.UpdatedAt = ts
		}
	}
	return rec, nil
}

// Put writes the record using optimistic version compare.
func (s *SQLStore[T]) Put(ctx context.Context, rec *Record[T]) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql store not configured")
	}
	if rec == nil {
		return 0, delivery.ValidationError("record required", nil)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return 0, delivery.ValidationError("target id required", nil)
	}
	expected := rec.Version
	if expected < 0 {
		expected = 0
	}

	payload, err := json.Marshal(rec.Target)
	if err != nil {
		return 0, fmt.Errorf("encode target %s: %w", id, err)
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)

	if expected == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (target_id, payload, version, updated_at) VALUES (?, ?, 1, ?)`, s.table)
		result, err := s.db.ExecContext(ctx, q, id, string(payload), updatedAt)
		if err != nil {
			return 0, err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return 0, delivery.ConflictError("target already exists", nil)
		}
		return 1, nil
	}

	newVersion := expected + 1
	q := fmt.Sprintf(`UPDATE %s SET payload=?, version=?, updated_at=? WHERE target_id=? AND version=?`, s.table)
	result, err := s.db.ExecContext(ctx, q, string(payload), newVersion, updatedAt, id, expected)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, delivery.ConflictError("target version conflict", nil)
	}
	return newVersion, nil
}

func (s *SQLStore[T]) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			target_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, ddl)
	})
	return s.schemaErr
}
