package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/stream"
)

type pingCommand struct{ Name string }

func (c pingCommand) Type() string    { return c.Name }
func (c pingCommand) Validate() error { return nil }

// fakeEngine marks commands delivered without a real store, failing the
// command types it is told to fail.
type fakeEngine struct {
	mu        sync.Mutex
	delivered []*delivery.ScheduledCommand
	failTypes map[string]error
}

func (f *fakeEngine) ApplyScheduledCommand(_ context.Context, sc *delivery.ScheduledCommand) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, sc)
	f.mu.Unlock()

	if cause, ok := f.failTypes[delivery.CommandType(sc.Command())]; ok {
		return sc.MarkFailed(delivery.NewCommandFailed(cause))
	}
	return sc.MarkSucceeded()
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleDeliversDueCommandSynchronously(t *testing.T) {
	eng := &fakeEngine{}
	s, err := New(eng)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"})
	if err := s.Schedule(context.Background(), sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if eng.count() != 1 {
		t.Fatalf("expected one synchronous delivery, got %d", eng.count())
	}
	if sc.Status() != delivery.StatusSucceeded {
		t.Fatalf("unexpected status %s", sc.Status())
	}
}

func TestScheduleFailsFastWithoutTrigger(t *testing.T) {
	eng := &fakeEngine{}
	clock := delivery.NewVirtualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(eng, WithClock(clock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	due := clock.Now().Add(time.Hour)
	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"}, delivery.WithDueTime(due))
	err = s.Schedule(context.Background(), sc)
	if !delivery.IsNotDeliverable(err) {
		t.Fatalf("expected not-deliverable rejection, got %v", err)
	}
	if eng.count() != 0 {
		t.Fatal("rejected command must not reach the engine")
	}
}

func TestScheduleRejectsEmptyPreconditionToken(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	s, err := New(eng, WithEventSource(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", ""))
	err = s.Schedule(context.Background(), sc)
	if !delivery.IsValidation(err) {
		t.Fatalf("expected validation rejection, got %v", err)
	}
	if s.PendingWaits() != 0 {
		t.Fatalf("rejected command must not be parked, got %d waits", s.PendingWaits())
	}
	if eng.count() != 0 {
		t.Fatal("rejected command must not reach the engine")
	}
}

// flipRecorder reports the precondition unmet on the first check and met on
// every later one, modeling an event recorded between the scheduler's check
// and the waiter's subscription.
type flipRecorder struct {
	calls int32
}

func (r *flipRecorder) HasBeenRecorded(context.Context, string, string) (bool, error) {
	return atomic.AddInt32(&r.calls, 1) > 1, nil
}

func TestEventRecordedBetweenCheckAndSubscribeStillDelivers(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	s, err := New(eng, WithRecorder(&flipRecorder{}), WithSubscriber(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	// no event ever reaches the subscription; only the post-subscribe
	// re-check can trigger delivery
	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	if err := s.Schedule(context.Background(), sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, "async delivery", func() bool {
		return sc.Status() == delivery.StatusSucceeded
	})
	waitFor(t, "wait teardown", func() bool { return s.PendingWaits() == 0 })
}

func TestScheduleDeliversWhenPreconditionAlreadyRecorded(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	s, err := New(eng, WithEventSource(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := bus.Publish(ctx, stream.Event{Scope: "upstream", Token: "etag-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	if err := s.Schedule(ctx, sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if eng.count() != 1 || sc.Status() != delivery.StatusSucceeded {
		t.Fatalf("expected immediate delivery, count=%d status=%s", eng.count(), sc.Status())
	}
}

func TestPreconditionWaitDeliversOnMatchingEvent(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	s, err := New(eng, WithEventSource(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	if err := s.Schedule(ctx, sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if eng.count() != 0 {
		t.Fatal("delivery must wait for the precondition event")
	}
	if s.PendingWaits() != 1 {
		t.Fatalf("expected one pending wait, got %d", s.PendingWaits())
	}

	// an unrelated event must not trigger delivery
	if err := bus.Publish(ctx, stream.Event{Scope: "upstream", Token: "other"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, stream.Event{Scope: "upstream", Token: "etag-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "async delivery", func() bool {
		return sc.Status() == delivery.StatusSucceeded
	})
	waitFor(t, "wait teardown", func() bool { return s.PendingWaits() == 0 })
}

func TestPreconditionWaitTimesOutAndLeavesCommandPending(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	clock := delivery.NewVirtualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	errs := make(chan error, 1)
	s, err := New(eng,
		WithEventSource(bus),
		WithClock(clock),
		WithErrorHandler(func(err error) { errs <- err }),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	if err := s.Schedule(context.Background(), sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(DefaultWaitTimeout + time.Second)

	select {
	case err := <-errs:
		if !delivery.IsWaitTimeout(err) {
			t.Fatalf("expected wait timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the timeout report")
	}

	if eng.count() != 0 {
		t.Fatal("timed-out command must not be delivered")
	}
	if sc.Status() != delivery.StatusScheduled {
		t.Fatalf("command must stay pending, got %s", sc.Status())
	}
	waitFor(t, "wait teardown", func() bool { return s.PendingWaits() == 0 })
}

func TestCloseTearsDownPendingWaits(t *testing.T) {
	eng := &fakeEngine{}
	bus := stream.NewBus()
	s, err := New(eng, WithEventSource(bus))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	if err := s.Schedule(context.Background(), sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.Close()
	if s.PendingWaits() != 0 {
		t.Fatalf("expected no pending waits after close, got %d", s.PendingWaits())
	}
	if eng.count() != 0 {
		t.Fatal("close must not deliver waiting commands")
	}
}

func TestDeliverGoReportsThroughOutcome(t *testing.T) {
	eng := &fakeEngine{}
	s, err := New(eng)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"})
	outcome := s.DeliverGo(context.Background(), sc)

	got, err := outcome.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != sc || got.Status() != delivery.StatusSucceeded {
		t.Fatalf("unexpected outcome %v / %s", got, got.Status())
	}
}
