package scheduler

import (
	"context"
	"sync"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

// HoldStatus reports a deferred hold's state.
type HoldStatus string

const (
	HoldStatusScheduled HoldStatus = "scheduled"
	HoldStatusCompleted HoldStatus = "completed"
	HoldStatusFailed    HoldStatus = "failed"
	HoldStatusCanceled  HoldStatus = "canceled"
)

// Handle controls one deferred hold.
type Handle interface {
	Done() <-chan struct{}
	Cancel()
	Status() HoldStatus
	Err() error
}

type holdHandle struct {
	done chan struct{}

	mu     sync.RWMutex
	status HoldStatus
	err    error
	once   sync.Once
}

func newHoldHandle(status HoldStatus) *holdHandle {
	return &holdHandle{
		done:   make(chan struct{}),
		status: status,
	}
}

// completedHandle reports an already-finished hold, used when the base
// scheduler handled the command without a timer.
func completedHandle() *holdHandle {
	h := newHoldHandle(HoldStatusCompleted)
	close(h.done)
	return h
}

func (h *holdHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *holdHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.setTerminal(HoldStatusCanceled, nil)
	})
}

func (h *holdHandle) Status() HoldStatus {
	if h == nil {
		return HoldStatusCanceled
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *holdHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *holdHandle) setTerminal(status HoldStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()

	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// DeferredScheduler layers timer-driven holds on the base scheduler: a
// command the base rejects as not deliverable is held until its due time and
// then delivered on its own goroutine. The base clock drives the timers, so
// a virtual clock makes holds advance deterministically in tests.
type DeferredScheduler struct {
	base *Scheduler

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDeferred wraps a base scheduler.
func NewDeferred(base *Scheduler) (*DeferredScheduler, error) {
	if base == nil {
		return nil, delivery.ValidationError("base scheduler is required", nil)
	}
	return &DeferredScheduler{
		base:   base,
		closed: make(chan struct{}),
	}, nil
}

// Schedule routes through the base scheduler first. Only a not-deliverable
// rejection with a future due time becomes a hold; anything else keeps the
// base contract, including its fail-fast error for untriggerable commands.
func (d *DeferredScheduler) Schedule(ctx context.Context, sc *delivery.ScheduledCommand) (Handle, error) {
	err := d.base.Schedule(ctx, sc)
	if err == nil {
		return completedHandle(), nil
	}
	if !delivery.IsNotDeliverable(err) {
		return nil, err
	}

	due := sc.DueTime()
	if due == nil {
		return nil, err
	}

	h := newHoldHandle(HoldStatusScheduled)
	// arm the timer before returning so callers can advance a virtual clock
	// immediately after Schedule
	timer := d.base.clock.After(due.Sub(d.base.clock.Now()))

	d.wg.Add(1)
	go d.runHold(sc, h, timer)
	return h, nil
}

// Deliver passes through to the base scheduler.
func (d *DeferredScheduler) Deliver(ctx context.Context, sc *delivery.ScheduledCommand) error {
	return d.base.Deliver(ctx, sc)
}

// Close cancels live holds and blocks until their goroutines exit.
func (d *DeferredScheduler) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
}

func (d *DeferredScheduler) runHold(sc *delivery.ScheduledCommand, h *holdHandle, timer <-chan time.Time) {
	defer d.wg.Done()

	select {
	case <-timer:
	case <-h.done:
		return
	case <-d.closed:
		h.Cancel()
		return
	}
	if h.Status() != HoldStatusScheduled {
		return
	}

	if err := d.base.Deliver(context.Background(), sc); err != nil {
		d.base.errorHandler(err)
		h.setTerminal(HoldStatusFailed, err)
		return
	}
	if failure := sc.Failure(); failure != nil && sc.Status() == delivery.StatusFailed {
		h.setTerminal(HoldStatusFailed, failure.Err)
		return
	}
	h.setTerminal(HoldStatusCompleted, nil)
}
