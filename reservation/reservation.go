// Package reservation implements an optimistic-concurrency protocol for
// claiming uniquely owned values inside a scope: time-bounded leases that can
// be confirmed permanent, canceled, or taken over once expired. There are no
// locks; every write is conditioned on the row version observed at read time.
package reservation

import (
	"context"
	"strings"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// DefaultLease bounds an unconfirmed reservation.
const DefaultLease = time.Minute

// Reservation is one claimed (scope, value) pair. A nil Expiration means the
// reservation was confirmed and the value is permanently owned.
type Reservation struct {
	Scope             string
	Value             string
	OwnerToken        string
	ConfirmationToken string
	Expiration        *time.Time
	Version           int64
}

// Confirmed reports whether the reservation is permanent.
func (r Reservation) Confirmed() bool {
	return r.Expiration == nil
}

// Expired reports whether the lease has lapsed at now. Confirmed
// reservations never expire.
func (r Reservation) Expired(now time.Time) bool {
	return r.Expiration != nil && !r.Expiration.After(now)
}

// Validate checks the identifying fields.
func (r Reservation) Validate() error {
	if strings.TrimSpace(r.Scope) == "" {
		return delivery.ValidationError("reservation scope required", nil)
	}
	if strings.TrimSpace(r.Value) == "" {
		return delivery.ValidationError("reservation value required", nil)
	}
	if strings.TrimSpace(r.OwnerToken) == "" {
		return delivery.ValidationError("reservation owner token required", nil)
	}
	return nil
}

// Store persists reservation rows. A conflicting write surfaces as a
// conflict error, never a silent overwrite; absent rows read as nil.
type Store interface {
	// Get reads the row for (scope, value), nil when absent.
	Get(ctx context.Context, scope, value string) (*Reservation, error)

	// FindByConfirmation reads the row matching (scope, ownerToken,
	// confirmationToken), nil when absent.
	FindByConfirmation(ctx context.Context, scope, ownerToken, confirmationToken string) (*Reservation, error)

	// Candidates lists every row in scope, the universe ReserveAny claims
	// from.
	Candidates(ctx context.Context, scope string) ([]Reservation, error)

	// Save writes the row conditioned on res.Version matching the stored
	// version; Version 0 inserts. Returns the new version.
	Save(ctx context.Context, res Reservation) (int64, error)

	// Delete removes the row conditioned on version.
	Delete(ctx context.Context, scope, value string, version int64) error
}
