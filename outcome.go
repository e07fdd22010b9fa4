package delivery

import (
	"context"
	"sync"
)

// Outcome is a one-shot result handle for fire-and-forget operations.
type Outcome[T any] struct {
	mu   sync.RWMutex
	done chan struct{}
	once sync.Once

	value  T
	stored bool
	err    error
}

// NewOutcome creates an unresolved outcome.
func NewOutcome[T any]() *Outcome[T] {
	return &Outcome[T]{done: make(chan struct{})}
}

// Resolve stores the value and completes the outcome. Later calls are no-ops.
func (o *Outcome[T]) Resolve(value T) {
	o.once.Do(func() {
		o.mu.Lock()
		o.value = value
		o.stored = true
		o.mu.Unlock()
		close(o.done)
	})
}

// Reject stores the error and completes the outcome. Later calls are no-ops.
func (o *Outcome[T]) Reject(err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		close(o.done)
	})
}

// Done closes once the outcome is resolved or rejected.
func (o *Outcome[T]) Done() <-chan struct{} {
	return o.done
}

// Load returns the value and whether one was stored.
func (o *Outcome[T]) Load() (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value, o.stored
}

// Err returns the rejection error, if any.
func (o *Outcome[T]) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// Wait blocks until completion or context cancellation.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		o.mu.RLock()
		defer o.mu.RUnlock()
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
