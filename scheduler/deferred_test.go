package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

func newDeferredFixture(t *testing.T, eng *fakeEngine) (*DeferredScheduler, *delivery.VirtualClock) {
	t.Helper()
	clock := delivery.NewVirtualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	base, err := New(eng, WithClock(clock), WithErrorHandler(func(error) {}))
	if err != nil {
		t.Fatalf("new base: %v", err)
	}
	d, err := NewDeferred(base)
	if err != nil {
		t.Fatalf("new deferred: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		base.Close()
	})
	return d, clock
}

func TestDeferredHoldsUntilDueTime(t *testing.T) {
	eng := &fakeEngine{}
	d, clock := newDeferredFixture(t, eng)

	due := clock.Now().Add(time.Minute)
	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"}, delivery.WithDueTime(due))
	h, err := d.Schedule(context.Background(), sc)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if h.Status() != HoldStatusScheduled {
		t.Fatalf("expected scheduled hold, got %s", h.Status())
	}
	if eng.count() != 0 {
		t.Fatal("held command must not deliver before its due time")
	}

	clock.Advance(2 * time.Minute)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hold did not complete")
	}
	if h.Status() != HoldStatusCompleted {
		t.Fatalf("expected completed hold, got %s (%v)", h.Status(), h.Err())
	}
	if sc.Status() != delivery.StatusSucceeded {
		t.Fatalf("unexpected command status %s", sc.Status())
	}
}

func TestDeferredDeliversDueCommandImmediately(t *testing.T) {
	eng := &fakeEngine{}
	d, _ := newDeferredFixture(t, eng)

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"})
	h, err := d.Schedule(context.Background(), sc)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if h.Status() != HoldStatusCompleted {
		t.Fatalf("expected completed handle, got %s", h.Status())
	}
	if eng.count() != 1 {
		t.Fatalf("expected synchronous delivery, got %d", eng.count())
	}
}

func TestDeferredFailingCommandDoesNotBlockOthers(t *testing.T) {
	eng := &fakeEngine{failTypes: map[string]error{
		"order::expire": errors.New("handler rejected command"),
	}}
	d, clock := newDeferredFixture(t, eng)

	ctx := context.Background()
	failing := delivery.NewScheduledCommand("target-1", pingCommand{Name: "order::expire"},
		delivery.WithDueTime(clock.Now().Add(time.Minute)))
	following := delivery.NewScheduledCommand("target-1", pingCommand{Name: "order::remind"},
		delivery.WithDueTime(clock.Now().Add(2*time.Minute)))

	hFail, err := d.Schedule(ctx, failing)
	if err != nil {
		t.Fatalf("schedule failing: %v", err)
	}
	hNext, err := d.Schedule(ctx, following)
	if err != nil {
		t.Fatalf("schedule following: %v", err)
	}

	clock.Advance(3 * time.Minute)
	for _, h := range []Handle{hFail, hNext} {
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("hold did not finish")
		}
	}

	if hFail.Status() != HoldStatusFailed {
		t.Fatalf("expected failing hold to report failure, got %s", hFail.Status())
	}
	if failing.Status() != delivery.StatusFailed {
		t.Fatalf("unexpected failing command status %s", failing.Status())
	}
	if hNext.Status() != HoldStatusCompleted || following.Status() != delivery.StatusSucceeded {
		t.Fatalf("failing command must not block the next one: hold=%s status=%s",
			hNext.Status(), following.Status())
	}
}

func TestDeferredCancelPreventsDelivery(t *testing.T) {
	eng := &fakeEngine{}
	d, clock := newDeferredFixture(t, eng)

	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithDueTime(clock.Now().Add(time.Minute)))
	h, err := d.Schedule(context.Background(), sc)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	h.Cancel()
	clock.Advance(2 * time.Minute)

	if h.Status() != HoldStatusCanceled {
		t.Fatalf("expected canceled hold, got %s", h.Status())
	}
	// give a mistakenly fired hold a chance to show up
	time.Sleep(20 * time.Millisecond)
	if eng.count() != 0 {
		t.Fatal("canceled hold must not deliver")
	}
}

func TestDeferredPassesThroughNonHoldErrors(t *testing.T) {
	eng := &fakeEngine{}
	d, _ := newDeferredFixture(t, eng)

	// precondition waits need a subscriber; the deferred adapter must not
	// swallow the base scheduler's rejection
	sc := delivery.NewScheduledCommand("target-1", pingCommand{Name: "ping"},
		delivery.WithPrecondition("upstream", "etag-1"))
	_, err := d.Schedule(context.Background(), sc)
	if !delivery.IsValidation(err) {
		t.Fatalf("expected validation error without a subscriber, got %v", err)
	}
}
