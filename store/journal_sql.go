package store

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

// SQLJournal persists command entries in a relational table. Statements
// target SQLite-compatible engines.
type SQLJournal struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// JournalOption configures a SQL journal.
type JournalOption func(*SQLJournal)

// WithJournalTable overrides the default table name.
func WithJournalTable(name string) JournalOption {
	return func(j *SQLJournal) {
		if name = strings.TrimSpace(name); name != "" {
			j.table = name
		}
	}
}

// NewSQLJournal builds a journal over db. The schema is created on first use.
func NewSQLJournal(db *sql.DB, opts ...JournalOption) *SQLJournal {
	j := &SQLJournal{
		db:    db,
		table: "scheduled_commands",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Record upserts the entry by etag, assigning the sequence on first insert.
func (j *SQLJournal) Record(ctx context.Context, entry CommandEntry) (CommandEntry, error) {
	if j == nil || j.db == nil {
		return CommandEntry{}, errors.New("sql journal not configured")
	}
	if err := j.ensureSchema(ctx); err != nil {
		return CommandEntry{}, err
	}
	entry.ETag = strings.TrimSpace(entry.ETag)
	if entry.ETag == "" {
		return CommandEntry{}, delivery.ValidationError("journal entry etag required", nil)
	}

	now := time.Now().UTC()
	entry.UpdatedAt = now

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return CommandEntry{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	var createdAtStr string
	q := fmt.Sprintf(`SELECT seq, created_at FROM %s WHERE etag = ?`, j.table)
	err = tx.QueryRowContext(ctx, q, entry.ETag).Scan(&seq, &createdAtStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) + 1 FROM %s`, j.table))
		if err := row.Scan(&seq); err != nil {
			return CommandEntry{}, err
		}
		entry.SequenceNumber = seq
		entry.CreatedAt = now

		insert := fmt.Sprintf(`INSERT INTO %s
			(etag, seq, command_type, target_id, due_time, scope, token, status, attempts, canceled, retry_at, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, j.table)
		if _, err := tx.ExecContext(ctx, insert,
			entry.ETag,
			seq,
			entry.CommandType,
			entry.TargetID,
			formatNullableTime(entry.DueTime),
			entry.Scope,
			entry.Token,
			string(entry.Status),
			entry.Attempts,
			entry.Canceled,
			formatNullableTime(entry.RetryAt),
			entry.LastError,
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		); err != nil {
			return CommandEntry{}, err
		}
	case err != nil:
		return CommandEntry{}, err
	default:
		entry.SequenceNumber = seq
		if ts, parseErr := time.Parse(time.RFC3339Nano, createdAtStr); parseErr == nil {
			entry.CreatedAt = ts
		}

		update := fmt.Sprintf(`UPDATE %s SET
			command_type=?, target_id=?, due_time=?, scope=?, token=?, status=?, attempts=?, canceled=?, retry_at=?, last_error=?, updated_at=?
			WHERE etag=?`, j.table)
		if _, err := tx.ExecContext(ctx, update,
			entry.CommandType,
			entry.TargetID,
			formatNullableTime(entry.DueTime),
			entry.Scope,
			entry.Token,
			string(entry.Status),
			entry.Attempts,
			entry.Canceled,
			formatNullableTime(entry.RetryAt),
			entry.LastError,
			now.Format(time.RFC3339Nano),
			entry.ETag,
		); err != nil {
			return CommandEntry{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CommandEntry{}, err
	}
	tx = nil
	return entry, nil
}

// List returns entries matching q, ordered by sequence.
func (j *SQLJournal) List(ctx context.Context, q JournalQuery) ([]CommandEntry, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("sql journal not configured")
	}
	if err := j.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT etag, seq, command_type, target_id, due_time, scope, token, status, attempts, canceled, retry_at, last_error, created_at, updated_at FROM %s`, j.table)
	conds := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if q.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, q.TargetID)
	}
	if q.Status != delivery.StatusUnset {
		conds = append(conds, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CommandEntry, 0, 16)
	for rows.Next() {
		var entry CommandEntry
		var status, dueStr, retryStr, createdStr, updatedStr string
		if err := rows.Scan(
			&entry.ETag,
			&entry.SequenceNumber,
			&entry.CommandType,
			&entry.TargetID,
			&dueStr,
			&entry.Scope,
			&entry.Token,
			&status,
			&entry.Attempts,
			&entry.Canceled,
			&retryStr,
			&entry.LastError,
			&createdStr,
			&updatedStr,
		); err != nil {
			return nil, err
		}
		entry.Status = delivery.ResultStatus(status)
		entry.DueTime = parseNullableTime(dueStr)
		entry.RetryAt = parseNullableTime(retryStr)
		if ts := parseNullableTime(createdStr); ts != nil {
			entry.CreatedAt = *ts
		}
		if ts := parseNullableTime(updatedStr); ts != nil {
			entry.UpdatedAt = *ts
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (j *SQLJournal) ensureSchema(ctx context.Context) error {
	j.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			etag TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			command_type TEXT,
			target_id TEXT NOT NULL,
			due_time TEXT,
			scope TEXT,
			token TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			canceled INTEGER NOT NULL DEFAULT 0,
			retry_at TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, j.table)
		_, j.schemaErr = j.db.ExecContext(ctx, ddl)
	})
	return j.schemaErr
}

func formatNullableTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s string) *time.Time {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &ts
}
