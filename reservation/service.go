package reservation

import (
	"context"
	"strings"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// Service runs the reservation protocol over a Store. Contention is reported
// through boolean results: a detected write conflict means the caller lost
// the race, not that something broke. Only unexpected storage errors
// propagate.
type Service struct {
	store  Store
	clock  delivery.Clock
	lease  time.Duration
	logger delivery.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the system clock, mainly for tests.
func WithClock(clock delivery.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLease overrides the default lease duration.
func WithLease(lease time.Duration) Option {
	return func(s *Service) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger delivery.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Service over a reservation store.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, delivery.ValidationError("reservation store is required", nil)
	}
	s := &Service{
		store:  store,
		clock:  delivery.SystemClock{},
		lease:  DefaultLease,
		logger: delivery.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Reserve claims value in scope for ownerToken under a lease (zero means the
// default). It succeeds for an unclaimed value, extends the lease the same
// owner already holds, and takes over an expired lease. It returns false
// when another owner holds a live or confirmed reservation, or when a
// conflicting write won the race; the caller decides whether to try again.
func (s *Service) Reserve(ctx context.Context, value, scope, ownerToken string, lease time.Duration) (bool, error) {
	res := Reservation{Scope: scope, Value: value, OwnerToken: ownerToken}
	if err := res.Validate(); err != nil {
		return false, err
	}
	expiration := s.clock.Now().Add(s.leaseOrDefault(lease))

	cur, err := s.store.Get(ctx, scope, value)
	if err != nil {
		return false, err
	}

	switch {
	case cur == nil:
		res.ConfirmationToken = value
		res.Expiration = &expiration
		_, err = s.store.Save(ctx, res)

	case cur.Confirmed():
		// a confirmed value is permanently owned; re-reserving it is only a
		// no-op success for its owner
		return cur.OwnerToken == ownerToken, nil

	case cur.OwnerToken == ownerToken:
		cur.Expiration = &expiration
		_, err = s.store.Save(ctx, *cur)

	case cur.Expired(s.clock.Now()):
		s.logger.Debug("taking over expired lease on %s/%s from %s", scope, value, cur.OwnerToken)
		cur.OwnerToken = ownerToken
		cur.ConfirmationToken = value
		cur.Expiration = &expiration
		_, err = s.store.Save(ctx, *cur)

	default:
		return false, nil
	}

	if delivery.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Confirm makes the reservation matching (scope, ownerToken,
// confirmationToken) permanent by clearing its expiration. It returns false
// when no reservation matches or a conflicting write intervened.
func (s *Service) Confirm(ctx context.Context, scope, ownerToken, confirmationToken string) (bool, error) {
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(ownerToken) == "" || strings.TrimSpace(confirmationToken) == "" {
		return false, delivery.ValidationError("scope, owner token and confirmation token are required", nil)
	}

	cur, err := s.store.FindByConfirmation(ctx, scope, ownerToken, confirmationToken)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}
	if cur.Confirmed() {
		return true, nil
	}

	cur.Expiration = nil
	if _, err := s.store.Save(ctx, *cur); err != nil {
		if delivery.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Cancel removes the reservation for value when ownerToken holds it,
// returning false otherwise.
func (s *Service) Cancel(ctx context.Context, value, scope, ownerToken string) (bool, error) {
	res := Reservation{Scope: scope, Value: value, OwnerToken: ownerToken}
	if err := res.Validate(); err != nil {
		return false, err
	}

	cur, err := s.store.Get(ctx, scope, value)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.OwnerToken != ownerToken {
		return false, nil
	}

	if err := s.store.Delete(ctx, scope, value, cur.Version); err != nil {
		if delivery.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReserveAny claims any expired candidate value in scope. Redelivery is
// idempotent: a reservation already held under the same (ownerToken,
// confirmationToken) pair is returned as-is, so a crashed caller asking
// again gets the same value. The claim loop is a compare-and-retry bounded
// by the candidate count, re-reading each row before writing; it returns ""
// and false when every candidate is held.
//
// An empty confirmationToken defaults to the ownerToken.
func (s *Service) ReserveAny(ctx context.Context, scope, ownerToken string, lease time.Duration, confirmationToken string) (string, bool, error) {
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(ownerToken) == "" {
		return "", false, delivery.ValidationError("scope and owner token are required", nil)
	}
	if confirmationToken == "" {
		confirmationToken = ownerToken
	}

	existing, err := s.store.FindByConfirmation(ctx, scope, ownerToken, confirmationToken)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.Value, true, nil
	}

	candidates, err := s.store.Candidates(ctx, scope)
	if err != nil {
		return "", false, err
	}

	expiration := s.clock.Now().Add(s.leaseOrDefault(lease))
	for _, candidate := range candidates {
		cur, err := s.store.Get(ctx, scope, candidate.Value)
		if err != nil {
			return "", false, err
		}
		if cur == nil || cur.Confirmed() || !cur.Expired(s.clock.Now()) {
			continue
		}

		cur.OwnerToken = ownerToken
		cur.ConfirmationToken = confirmationToken
		cur.Expiration = &expiration
		if _, err := s.store.Save(ctx, *cur); err != nil {
			if delivery.IsConflict(err) {
				// lost the race for this candidate; move on to the next
				s.logger.Debug("reserve-any lost race for %s/%s", scope, cur.Value)
				continue
			}
			return "", false, err
		}
		return cur.Value, true, nil
	}
	return "", false, nil
}

// ReserveGo runs Reserve on its own goroutine, reporting through the
// returned outcome.
func (s *Service) ReserveGo(ctx context.Context, value, scope, ownerToken string, lease time.Duration) *delivery.Outcome[bool] {
	outcome := delivery.NewOutcome[bool]()
	go func() {
		ok, err := s.Reserve(ctx, value, scope, ownerToken, lease)
		if err != nil {
			outcome.Reject(err)
			return
		}
		outcome.Resolve(ok)
	}()
	return outcome
}

// ReserveAnyGo runs ReserveAny on its own goroutine; the outcome resolves
// with the claimed value, or "" when none could be claimed.
func (s *Service) ReserveAnyGo(ctx context.Context, scope, ownerToken string, lease time.Duration, confirmationToken string) *delivery.Outcome[string] {
	outcome := delivery.NewOutcome[string]()
	go func() {
		value, _, err := s.ReserveAny(ctx, scope, ownerToken, lease, confirmationToken)
		if err != nil {
			outcome.Reject(err)
			return
		}
		outcome.Resolve(value)
	}()
	return outcome
}

func (s *Service) leaseOrDefault(lease time.Duration) time.Duration {
	if lease > 0 {
		return lease
	}
	return s.lease
}
