package scheduler

import (
	"context"
	"time"

	delivery "github.com/goliatone/go-delivery"
	"github.com/robfig/cron/v3"
)

// DefaultSweepExpression runs the sweep once a minute.
const DefaultSweepExpression = "@every 1m"

// PendingSource lists commands still awaiting delivery: scheduled commands
// whose trigger never fired plus failed commands carrying a retry time. The
// caller supplies it and owns how pending commands are tracked.
type PendingSource interface {
	PendingCommands(ctx context.Context, now time.Time) ([]*delivery.ScheduledCommand, error)
}

// Sweeper is the catch-up collaborator in process form: on a cron expression
// it re-scans the pending source and redelivers everything due or
// retry-ready. Commands abandoned by a timed-out precondition wait come back
// through here.
type Sweeper struct {
	source       PendingSource
	deliverer    Deliverer
	clock        delivery.Clock
	logger       delivery.Logger
	errorHandler func(error)
	expression   string

	cron  *cron.Cron
	entry cron.EntryID
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepExpression sets the cron expression driving sweeps.
func WithSweepExpression(expr string) SweeperOption {
	return func(s *Sweeper) {
		if expr != "" {
			s.expression = expr
		}
	}
}

// WithSweeperClock replaces the clock consulted for due checks.
func WithSweeperClock(clock delivery.Clock) SweeperOption {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(logger delivery.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweeperErrorHandler sets the sink for per-command delivery errors.
func WithSweeperErrorHandler(fn func(error)) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

// NewSweeper builds a sweeper over a pending source and a deliverer.
func NewSweeper(source PendingSource, deliverer Deliverer, opts ...SweeperOption) (*Sweeper, error) {
	if source == nil {
		return nil, delivery.ValidationError("pending source is required", nil)
	}
	if deliverer == nil {
		return nil, delivery.ValidationError("deliverer is required", nil)
	}

	s := &Sweeper{
		source:     source,
		deliverer:  deliverer,
		clock:      delivery.SystemClock{},
		logger:     delivery.NewFmtLogger(nil),
		expression: DefaultSweepExpression,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("sweep delivery error: %v", err)
		}
	}
	return s, nil
}

// Start registers the sweep job and starts the cron loop.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	entry, err := c.AddFunc(s.expression, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return delivery.ValidationError("invalid sweep expression", err)
	}
	s.cron = c
	s.entry = entry
	c.Start()
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one pass immediately. Delivery errors go to the error handler;
// one failing command never stops the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now()
	pending, err := s.source.PendingCommands(ctx, now)
	if err != nil {
		s.errorHandler(err)
		return
	}

	swept := 0
	for _, sc := range pending {
		if !s.redeliverable(sc, now) {
			continue
		}
		swept++
		if err := s.deliverer.ApplyScheduledCommand(ctx, sc); err != nil {
			s.errorHandler(err)
		}
	}
	if swept > 0 {
		s.logger.Debug("sweep redelivered %d commands", swept)
	}
}

func (s *Sweeper) redeliverable(sc *delivery.ScheduledCommand, now time.Time) bool {
	if sc == nil {
		return false
	}
	switch sc.Status() {
	case delivery.StatusSucceeded:
		return false
	case delivery.StatusFailed:
		failure := sc.Failure()
		if failure == nil || failure.IsCanceled() {
			return false
		}
		retryAt := failure.RetryAfter()
		return retryAt != nil && !retryAt.After(now)
	default:
		return sc.IsDue(now)
	}
}
