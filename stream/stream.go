// Package stream defines the event-notification boundary the delivery core
// observes: publish, subscribe-with-filter, and the recorded-event check
// backing preconditions and idempotency.
package stream

import (
	"context"
	"time"
)

// Event is a (scope, token)-tagged notification, typically recorded when a
// command's effects are persisted against a scope.
type Event struct {
	Scope    string
	Token    string
	At       time.Time
	Metadata map[string]any
}

// Subscription is a disposable event-stream registration.
type Subscription interface {
	Unsubscribe()
}

// Publisher records events against their scope.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers events matching a (scope, token) filter.
type Subscriber interface {
	Subscribe(scope, token string, fn func(Event)) Subscription
}

// Stream combines publishing and filtered subscription.
type Stream interface {
	Publisher
	Subscriber
}

// Recorder answers whether a (scope, token) event has ever been recorded.
// It backs both delivery preconditions and target-level idempotency checks.
type Recorder interface {
	HasBeenRecorded(ctx context.Context, scope, token string) (bool, error)
}
