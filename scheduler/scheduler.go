// Package scheduler decides when a scheduled command reaches the delivery
// engine: immediately when it is due, after a precondition event when one is
// named, or never (fail fast) when nothing can trigger it. A deferred adapter
// and a cron-driven sweeper layer timer-based triggering on top of the base
// fail-fast contract.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/stream"
	"github.com/goliatone/go-errors"
)

// DefaultWaitTimeout bounds how long a precondition wait stays subscribed
// before it is abandoned and reported to the error handler.
const DefaultWaitTimeout = 10 * time.Second

// Deliverer applies a scheduled command through the full delivery pipeline.
// engine.Engine satisfies it.
type Deliverer interface {
	ApplyScheduledCommand(ctx context.Context, sc *delivery.ScheduledCommand) error
}

// EventSource is the stream surface the scheduler needs: the recorded-event
// check for "satisfiable now" decisions and filtered subscription for waits.
// stream.Bus satisfies it.
type EventSource interface {
	stream.Recorder
	stream.Subscriber
}

// Scheduler routes scheduled commands to a Deliverer.
//
// Schedule is fail fast: a command that is not due now and names no
// precondition is rejected with a not-deliverable error rather than held.
// Wrap the scheduler in a DeferredScheduler when timer-driven holds are
// wanted.
type Scheduler struct {
	engine       Deliverer
	recorder     stream.Recorder
	subscriber   stream.Subscriber
	clock        delivery.Clock
	timeout      time.Duration
	logger       delivery.Logger
	errorHandler func(error)

	mu      sync.Mutex
	waiters map[int64]*waiter
	nextID  int64

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventSource wires one stream as both recorded-event check and
// subscription source.
func WithEventSource(src EventSource) Option {
	return func(s *Scheduler) {
		if src != nil {
			s.recorder = src
			s.subscriber = src
		}
	}
}

// WithRecorder sets the recorded-event check used to decide whether a
// precondition is already satisfied.
func WithRecorder(recorder stream.Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = recorder
	}
}

// WithSubscriber sets the subscription source backing precondition waits.
func WithSubscriber(subscriber stream.Subscriber) Option {
	return func(s *Scheduler) {
		s.subscriber = subscriber
	}
}

// WithClock replaces the system clock, mainly for tests.
func WithClock(clock delivery.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithWaitTimeout bounds precondition waits. Non-positive values keep the
// default.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger delivery.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorHandler sets the sink for asynchronous delivery and wait-timeout
// errors. The default logs them.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

// New builds a Scheduler around a delivery engine.
func New(engine Deliverer, opts ...Option) (*Scheduler, error) {
	if engine == nil {
		return nil, delivery.ValidationError("delivery engine is required", nil)
	}

	s := &Scheduler{
		engine:  engine,
		clock:   delivery.SystemClock{},
		timeout: DefaultWaitTimeout,
		logger:  delivery.NewFmtLogger(nil),
		waiters: make(map[int64]*waiter),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("async delivery error: %v", err)
		}
	}
	return s, nil
}

// Schedule routes the command: delivered synchronously when due with no
// unmet precondition, registered with a precondition waiter when the
// precondition is not yet recorded, rejected as not deliverable otherwise.
// Registration returns before the wait resolves.
func (s *Scheduler) Schedule(ctx context.Context, sc *delivery.ScheduledCommand) error {
	if sc == nil {
		return delivery.ValidationError("scheduled command is required", nil)
	}
	if delivery.IsNilCommand(sc.Command()) {
		return delivery.ValidationError("scheduled command has no command payload", nil)
	}
	pre := sc.Precondition()
	if pre != nil {
		// a wait on an empty token could only ever time out
		if err := pre.Validate(); err != nil {
			return err
		}
	}
	if err := sc.MarkScheduled(); err != nil {
		return err
	}

	if pre != nil {
		satisfied, err := s.preconditionMet(ctx, pre)
		if err != nil {
			return err
		}
		if !satisfied {
			return s.wait(ctx, sc)
		}
	}

	if !sc.IsDue(s.clock.Now()) {
		return delivery.NotDeliverableError(
			fmt.Sprintf("command %q for target %q is not due and has no pending precondition",
				delivery.CommandType(sc.Command()), sc.TargetID()), nil)
	}
	return s.Deliver(ctx, sc)
}

// Deliver invokes the delivery engine unconditionally. Expected delivery
// failures land in the command's result; the returned error covers contract
// violations and storage faults only.
func (s *Scheduler) Deliver(ctx context.Context, sc *delivery.ScheduledCommand) error {
	return s.engine.ApplyScheduledCommand(ctx, sc)
}

// ScheduleGo runs Schedule on its own goroutine and reports through the
// returned outcome, resolving with the command once routing finished.
func (s *Scheduler) ScheduleGo(ctx context.Context, sc *delivery.ScheduledCommand) *delivery.Outcome[*delivery.ScheduledCommand] {
	return s.dispatch(ctx, sc, s.Schedule)
}

// DeliverGo runs Deliver on its own goroutine and reports through the
// returned outcome.
func (s *Scheduler) DeliverGo(ctx context.Context, sc *delivery.ScheduledCommand) *delivery.Outcome[*delivery.ScheduledCommand] {
	return s.dispatch(ctx, sc, s.Deliver)
}

func (s *Scheduler) dispatch(ctx context.Context, sc *delivery.ScheduledCommand, run func(context.Context, *delivery.ScheduledCommand) error) *delivery.Outcome[*delivery.ScheduledCommand] {
	outcome := delivery.NewOutcome[*delivery.ScheduledCommand]()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx, sc); err != nil {
			outcome.Reject(err)
			return
		}
		outcome.Resolve(sc)
	}()
	return outcome
}

// PendingWaits reports how many precondition waits are live.
func (s *Scheduler) PendingWaits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Close tears down every live precondition wait and blocks until their
// goroutines exit. Commands still waiting stay pending for an external
// catch-up pass.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}

func (s *Scheduler) preconditionMet(ctx context.Context, pre *delivery.Precondition) (bool, error) {
	if s.recorder == nil {
		return false, nil
	}
	ok, err := s.recorder.HasBeenRecorded(ctx, pre.Scope, pre.Token)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryExternal, "precondition check failed")
	}
	return ok, nil
}
