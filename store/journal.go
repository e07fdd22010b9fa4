package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// CommandEntry is the journaled status row for one scheduled command, keyed
// by its idempotency token.
type CommandEntry struct {
	ETag           string
	CommandType    string
	TargetID       string
	SequenceNumber int64
	DueTime        *time.Time
	Scope          string
	Token          string
	Status         delivery.ResultStatus
	Attempts       int
	Canceled       bool
	RetryAt        *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JournalQuery filters journal listings.
type JournalQuery struct {
	TargetID string
	Status   delivery.ResultStatus
	Limit    int
}

// CommandJournal records scheduled-command status for catch-up sweeps and
// tooling. Record upserts by etag and assigns the storage sequence number on
// first insert, replacing the negative placeholder.
type CommandJournal interface {
	Record(ctx context.Context, entry CommandEntry) (CommandEntry, error)
	List(ctx context.Context, q JournalQuery) ([]CommandEntry, error)
}

// InMemoryJournal keeps command entries in memory.
type InMemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]*CommandEntry
	nextSeq int64
}

// NewInMemoryJournal constructs an empty journal.
func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{
		entries: make(map[string]*CommandEntry),
	}
}

// Record upserts the entry by etag.
func (j *InMemoryJournal) Record(_ context.Context, entry CommandEntry) (CommandEntry, error) {
	if j == nil {
		return CommandEntry{}, errors.New("in-memory journal not configured")
	}
	entry.ETag = strings.TrimSpace(entry.ETag)
	if entry.ETag == "" {
		return CommandEntry{}, delivery.ValidationError("journal entry etag required", nil)
	}

	now := time.Now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()

	current, ok := j.entries[entry.ETag]
	if !ok || current == nil {
		j.nextSeq++
		entry.SequenceNumber = j.nextSeq
		entry.CreatedAt = now
	} else {
		entry.SequenceNumber = current.SequenceNumber
		entry.CreatedAt = current.CreatedAt
	}
	entry.UpdatedAt = now

	cp := entry
	j.entries[entry.ETag] = &cp
	return entry, nil
}

// List returns entries matching q, ordered by sequence number.
func (j *InMemoryJournal) List(_ context.Context, q JournalQuery) ([]CommandEntry, error) {
	if j == nil {
		return nil, errors.New("in-memory journal not configured")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]CommandEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		if !matchesJournalQuery(*entry, q) {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].SequenceNumber < out[b].SequenceNumber
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesJournalQuery(entry CommandEntry, q JournalQuery) bool {
	if q.TargetID != "" && entry.TargetID != q.TargetID {
		return false
	}
	if q.Status != delivery.StatusUnset && entry.Status != q.Status {
		return false
	}
	return true
}
