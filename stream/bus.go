package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// Bus is an in-process Stream and Recorder. Every published (scope, token)
// pair is remembered so late subscribers and precondition checks observe
// events that fired before they looked.
type Bus struct {
	mu       sync.RWMutex
	recorded map[string]time.Time
	subs     map[string][]*busSubscription
	logger   delivery.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger delivery.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		recorded: make(map[string]time.Time),
		subs:     make(map[string][]*busSubscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = delivery.NormalizeLogger(b.logger)
	return b
}

// Publish records the event and notifies matching subscribers. Callbacks run
// synchronously in the caller's goroutine, outside the bus lock.
func (b *Bus) Publish(_ context.Context, evt Event) error {
	evt.Scope = strings.TrimSpace(evt.Scope)
	evt.Token = strings.TrimSpace(evt.Token)
	if evt.Scope == "" || evt.Token == "" {
		return delivery.ValidationError("event scope and token required", nil)
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	key := eventKey(evt.Scope, evt.Token)

	b.mu.Lock()
	if _, seen := b.recorded[key]; !seen {
		b.recorded[key] = evt.At
	}
	matching := make([]*busSubscription, len(b.subs[key]))
	copy(matching, b.subs[key])
	b.mu.Unlock()

	b.logger.Debug("event published scope=%s token=%s subscribers=%d", evt.Scope, evt.Token, len(matching))

	for _, sub := range matching {
		sub.fn(evt)
	}
	return nil
}

// Subscribe registers fn for events matching (scope, token).
func (b *Bus) Subscribe(scope, token string, fn func(Event)) Subscription {
	scope = strings.TrimSpace(scope)
	token = strings.TrimSpace(token)
	if fn == nil {
		fn = func(Event) {}
	}

	sub := &busSubscription{
		bus: b,
		key: eventKey(scope, token),
		fn:  fn,
	}

	b.mu.Lock()
	b.subs[sub.key] = append(b.subs[sub.key], sub)
	b.mu.Unlock()
	return sub
}

// HasBeenRecorded reports whether the (scope, token) event was ever
// published.
func (b *Bus) HasBeenRecorded(_ context.Context, scope, token string) (bool, error) {
	key := eventKey(strings.TrimSpace(scope), strings.TrimSpace(token))
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.recorded[key]
	return ok, nil
}

type busSubscription struct {
	bus  *Bus
	key  string
	fn   func(Event)
	once sync.Once
}

func (s *busSubscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[s.key]
		next := make([]*busSubscription, 0, len(subs))
		for _, sub := range subs {
			if sub != s {
				next = append(next, sub)
			}
		}
		if len(next) == 0 {
			delete(b.subs, s.key)
			return
		}
		b.subs[s.key] = next
	})
}

func eventKey(scope, token string) string {
	return scope + "::" + token
}
