package engine

import (
	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/retry"
	"github.com/goliatone/go-delivery/store"
	"github.com/goliatone/go-delivery/stream"
)

// Option configures an Engine.
type Option[T any] func(*Engine[T])

// WithRecorder sets the recorded-event verifier used for delivery
// preconditions and idempotency checks.
func WithRecorder[T any](r stream.Recorder) Option[T] {
	return func(e *Engine[T]) {
		e.recorder = r
	}
}

// WithPublisher records applied etags back onto the event stream so
// dependents and redeliveries observe them.
func WithPublisher[T any](p stream.Publisher) Option[T] {
	return func(e *Engine[T]) {
		e.publisher = p
	}
}

// WithStream wires one stream as both recorder and publisher.
func WithStream[T any](s interface {
	stream.Recorder
	stream.Publisher
}) Option[T] {
	return func(e *Engine[T]) {
		e.recorder = s
		e.publisher = s
	}
}

// WithRetryPolicy overrides the default quadratic backoff policy.
func WithRetryPolicy[T any](p retry.Policy) Option[T] {
	return func(e *Engine[T]) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithClock substitutes the clock, e.g. a virtual clock in tests.
func WithClock[T any](c delivery.Clock) Option[T] {
	return func(e *Engine[T]) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger[T any](l delivery.Logger) Option[T] {
	return func(e *Engine[T]) {
		e.logger = l
	}
}

// WithJournal records command status rows for catch-up sweeps and tooling.
func WithJournal[T any](j store.CommandJournal) Option[T] {
	return func(e *Engine[T]) {
		e.journal = j
	}
}

// WithETagSource overrides the system token generator.
func WithETagSource[T any](fn func() string) Option[T] {
	return func(e *Engine[T]) {
		if fn != nil {
			e.etags = fn
		}
	}
}
