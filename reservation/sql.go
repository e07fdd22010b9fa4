package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// SQLStore persists reservation rows in a relational table with an
// optimistic version column. Statements target SQLite-compatible engines.
type SQLStore struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// SQLOption configures a SQL-backed reservation store.
type SQLOption func(*SQLStore)

// WithTable overrides the default table name.
func WithTable(name string) SQLOption {
	return func(s *SQLStore) {
		if name = strings.TrimSpace(name); name != "" {
			s.table = name
		}
	}
}

// NewSQLStore builds a store over db. The schema is created on first use.
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:    db,
		table: "reservations",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get reads the row for (scope, value), nil when absent.
func (s *SQLStore) Get(ctx context.Context, scope, value string) (*Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT owner_token, confirmation_token, expiration, version
		FROM %s WHERE scope = ? AND value = ?`, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, q, scope, value), scope, value)
}

// FindByConfirmation reads the row matching (scope, ownerToken,
// confirmationToken), nil when absent.
func (s *SQLStore) FindByConfirmation(ctx context.Context, scope, ownerToken, confirmationToken string) (*Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT value, owner_token, confirmation_token, expiration, version
		FROM %s WHERE scope = ? AND owner_token = ? AND confirmation_token = ?`, s.table)
	row := s.db.QueryRowContext(ctx, q, scope, ownerToken, confirmationToken)

	res := Reservation{Scope: scope}
	var expiration sql.NullString
	err := row.Scan(&res.Value, &res.OwnerToken, &res.ConfirmationToken, &expiration, &res.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Expiration, err = parseExpiration(expiration); err != nil {
		return nil, err
	}
	return &res, nil
}

// Candidates lists every row in scope ordered by value.
func (s *SQLStore) Candidates(ctx context.Context, scope string) ([]Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT value, owner_token, confirmation_token, expiration, version
		FROM %s WHERE scope = ? ORDER BY value`, s.table)
	rows, err := s.db.QueryContext(ctx, q, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		res := Reservation{Scope: scope}
		var expiration sql.NullString
		if err := rows.Scan(&res.Value, &res.OwnerToken, &res.ConfirmationToken, &expiration, &res.Version); err != nil {
			return nil, err
		}
		if res.Expiration, err = parseExpiration(expiration); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Save writes the row under optimistic version compare: Version 0 inserts,
// anything else must match the stored version.
func (s *SQLStore) Save(ctx context.Context, res Reservation) (int64, error) {
	if err := res.Validate(); err != nil {
		return 0, err
	}
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	expiration := formatExpiration(res.Expiration)

	if res.Version == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s
			(scope, value, owner_token, confirmation_token, expiration, version)
			VALUES (?, ?, ?, ?, ?, 1)`, s.table)
		result, err := s.db.ExecContext(ctx, q, res.Scope, res.Value, res.OwnerToken, res.ConfirmationToken, expiration)
		if err != nil {
			return 0, err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return 0, delivery.ConflictError("reservation already exists", nil)
		}
		return 1, nil
	}

	newVersion := res.Version + 1
	q := fmt.Sprintf(`UPDATE %s SET owner_token=?, confirmation_token=?, expiration=?, version=?
		WHERE scope=? AND value=? AND version=?`, s.table)
	result, err := s.db.ExecContext(ctx, q, res.OwnerToken, res.ConfirmationToken, expiration, newVersion,
		res.Scope, res.Value, res.Version)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return 0, delivery.ConflictError("reservation version conflict", nil)
	}
	return newVersion, nil
}

// Delete removes the row when version matches.
func (s *SQLStore) Delete(ctx context.Context, scope, value string, version int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	q := fmt.Sprintf(`DELETE FROM %s WHERE scope=? AND value=? AND version=?`, s.table)
	result, err := s.db.ExecContext(ctx, q, scope, value, version)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return delivery.ConflictError("reservation version conflict", nil)
	}
	return nil
}

func (s *SQLStore) scanOne(row *sql.Row, scope, value string) (*Reservation, error) {
	res := Reservation{Scope: scope, Value: value}
	var expiration sql.NullString
	err := row.Scan(&res.OwnerToken, &res.ConfirmationToken, &expiration, &res.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Expiration, err = parseExpiration(expiration); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *SQLStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql reservation store not configured")
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			scope TEXT NOT NULL,
			value TEXT NOT NULL,
			owner_token TEXT NOT NULL,
			confirmation_token TEXT NOT NULL,
			expiration TEXT,
			version INTEGER NOT NULL,
			PRIMARY KEY (scope, value)
		)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, ddl)
	})
	return s.schemaErr
}

func formatExpiration(at *time.Time) any {
	if at == nil {
		return nil
	}
	return at.UTC().Format(time.RFC3339Nano)
}

func parseExpiration(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("decode expiration: %w", err)
	}
	return &ts, nil
}

var _ Store = (*SQLStore)(nil)
