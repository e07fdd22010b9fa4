package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// InMemoryStore is a thread-safe in-memory target store with compare-and-set
// writes. Targets are stored as given; callers that need isolation between
// readers should configure a clone function.
type InMemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string]*Record[T]
	clone   func(T) T
}

// MemoryOption configures an in-memory store.
type MemoryOption[T any] func(*InMemoryStore[T])

// WithClone isolates loaded targets by copying them on read and write.
func WithClone[T any](fn func(T) T) MemoryOption[T] {
	return func(s *InMemoryStore[T]) {
		s.clone = fn
	}
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore[T any](opts ...MemoryOption[T]) *InMemoryStore[T] {
	s := &InMemoryStore[T]{
		records: make(map[string]*Record[T]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get returns the record for id, nil when absent.
func (s *InMemoryStore[T]) Get(_ context.Context, id string) (*Record[T], error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, delivery.ValidationError("target id required", nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec == nil {
		return nil, nil
	}
	return s.cloneRecord(rec), nil
}

// Put performs compare-and-set persistence keyed on rec.Version.
func (s *InMemoryStore[T]) Put(_ context.Context, rec *Record[T]) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	if rec == nil {
		return 0, delivery.ValidationError("record required", nil)
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return 0, delivery.ValidationError("target id required", nil)
	}
	expected := rec.Version
	if expected < 0 {
		expected = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	next := s.cloneRecord(rec)
	next.ID = id
	if !ok || current == nil {
		if expected != 0 {
			return 0, delivery.ConflictError("target version conflict", nil)
		}
		next.Version = 1
	} else {
		if current.Version != expected {
			return 0, delivery.ConflictError("target version conflict", nil)
		}
		next.Version = expected + 1
	}
	next.UpdatedAt = time.Now().UTC()
	s.records[id] = next
	return next.Version, nil
}

// Len reports how many targets are stored.
func (s *InMemoryStore[T]) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore[T]) cloneRecord(rec *Record[T]) *Record[T] {
	cp := *rec
	if s.clone != nil {
		cp.Target = s.clone(rec.Target)
	}
	return &cp
}
