package reservation

import (
	"context"
	"sort"
	"sync"

	delivery "github.com/goliatone/go-delivery"
)

// InMemoryStore keeps reservation rows in process memory with the same
// optimistic-versioning contract as the SQL store. Safe for concurrent use.
type InMemoryStore struct {
	mu     sync.Mutex
	scopes map[string]map[string]Reservation
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scopes: make(map[string]map[string]Reservation),
	}
}

// Get reads the row for (scope, value), nil when absent.
func (s *InMemoryStore) Get(_ context.Context, scope, value string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.scopes[scope][value]
	if !ok {
		return nil, nil
	}
	cp := cloneReservation(res)
	return &cp, nil
}

// FindByConfirmation reads the row matching (scope, ownerToken,
// confirmationToken), nil when absent.
func (s *InMemoryStore) FindByConfirmation(_ context.Context, scope, ownerToken, confirmationToken string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range s.scopes[scope] {
		if res.OwnerToken == ownerToken && res.ConfirmationToken == confirmationToken {
			cp := cloneReservation(res)
			return &cp, nil
		}
	}
	return nil, nil
}

// Candidates lists every row in scope ordered by value.
func (s *InMemoryStore) Candidates(_ context.Context, scope string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.scopes[scope]
	out := make([]Reservation, 0, len(rows))
	for _, res := range rows {
		out = append(out, cloneReservation(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// Save writes the row under optimistic version compare: Version 0 inserts,
// anything else must match the stored version.
func (s *InMemoryStore) Save(_ context.Context, res Reservation) (int64, error) {
	if err := res.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.scopes[res.Scope]
	if !ok {
		rows = make(map[string]Reservation)
		s.scopes[res.Scope] = rows
	}

	cur, exists := rows[res.Value]
	if res.Version == 0 {
		if exists {
			return 0, delivery.ConflictError("reservation already exists", nil)
		}
	} else if !exists || cur.Version != res.Version {
		return 0, delivery.ConflictError("reservation version conflict", nil)
	}

	res.Version++
	rows[res.Value] = cloneReservation(res)
	return res.Version, nil
}

// Delete removes the row when version matches.
func (s *InMemoryStore) Delete(_ context.Context, scope, value string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scopes[scope][value]
	if !ok || cur.Version != version {
		return delivery.ConflictError("reservation version conflict", nil)
	}
	delete(s.scopes[scope], value)
	return nil
}

func cloneReservation(res Reservation) Reservation {
	if res.Expiration != nil {
		exp := *res.Expiration
		res.Expiration = &exp
	}
	return res
}

var _ Store = (*InMemoryStore)(nil)
