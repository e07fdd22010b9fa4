package scheduler

import (
	"context"
	"fmt"
	"time"

	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/stream"
)

// waiter holds one precondition wait: a filtered subscription plus a timeout
// timer, whichever fires first. Delivery after a match runs on the waiter's
// goroutine, never the scheduling caller's.
type waiter struct {
	id    int64
	sc    *delivery.ScheduledCommand
	sub   stream.Subscription
	fired chan stream.Event
}

func (s *Scheduler) wait(ctx context.Context, sc *delivery.ScheduledCommand) error {
	if s.subscriber == nil {
		return delivery.ValidationError("an event subscriber is required to wait on preconditions", nil)
	}
	pre := sc.Precondition()

	w := &waiter{
		sc:    sc,
		fired: make(chan stream.Event, 1),
	}
	w.sub = s.subscriber.Subscribe(pre.Scope, pre.Token, func(evt stream.Event) {
		select {
		case w.fired <- evt:
		default:
		}
	})
	// an event recorded after the Schedule-time check but before the
	// subscription above would never reach the callback; re-check now that
	// the subscription is live
	if satisfied, err := s.preconditionMet(ctx, pre); err == nil && satisfied {
		select {
		case w.fired <- stream.Event{Scope: pre.Scope, Token: pre.Token, At: s.clock.Now()}:
		default:
		}
	}
	// arm the timer before Schedule returns so a virtual clock advanced right
	// after scheduling still reaches it
	timeout := s.clock.After(s.timeout)

	s.mu.Lock()
	s.nextID++
	w.id = s.nextID
	s.waiters[w.id] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWaiter(w, timeout)
	return nil
}

func (s *Scheduler) runWaiter(w *waiter, timeout <-chan time.Time) {
	defer s.wg.Done()
	defer s.removeWaiter(w)

	pre := w.sc.Precondition()
	select {
	case <-w.fired:
		if err := s.engine.ApplyScheduledCommand(context.Background(), w.sc); err != nil {
			s.errorHandler(err)
		}
	case <-timeout:
		// the command stays pending for an external catch-up pass
		s.errorHandler(delivery.WaitTimeoutError(
			fmt.Sprintf("no event recorded for scope %q token %q within %s",
				pre.Scope, pre.Token, s.timeout), nil))
	case <-s.closed:
	}
}

func (s *Scheduler) removeWaiter(w *waiter) {
	w.sub.Unsubscribe()
	s.mu.Lock()
	delete(s.waiters, w.id)
	s.mu.Unlock()
}
