package reservation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

func newService(t *testing.T, opts ...Option) (*Service, *delivery.VirtualClock) {
	t.Helper()
	clock := delivery.NewVirtualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, err := New(NewInMemoryStore(), append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, clock
}

func TestReserveUnclaimedValueSucceeds(t *testing.T) {
	svc, _ := newService(t)

	ok, err := svc.Reserve(context.Background(), "alice", "usernames", "owner-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("reserving an unclaimed value must succeed")
	}
}

func TestReserveHeldValueFailsForOtherOwner(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("initial reserve failed")
	}
	ok, err := svc.Reserve(ctx, "alice", "usernames", "owner-2", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("a live lease must not be reservable by another owner")
	}
}

func TestReserveSameOwnerExtendsLease(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("initial reserve failed")
	}

	clock.Advance(30 * time.Second)
	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("same owner must be able to extend its lease")
	}

	// the renewed lease outlives the original one-minute window
	clock.Advance(45 * time.Second)
	ok, err := svc.Reserve(ctx, "alice", "usernames", "owner-2", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("extended lease should still be live")
	}
}

func TestReserveTakesOverExpiredLease(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("initial reserve failed")
	}

	clock.Advance(2 * time.Minute)
	ok, err := svc.Reserve(ctx, "alice", "usernames", "owner-2", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("an expired lease must be claimable by a new owner")
	}
}

func TestConfirmMakesReservationPermanent(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("reserve failed")
	}
	// Reserve keys the confirmation token to the value itself
	ok, err := svc.Confirm(ctx, "usernames", "owner-1", "alice")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("confirm with matching tokens must succeed")
	}

	// confirmed values never lapse
	clock.Advance(24 * time.Hour)
	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-2", 0); ok {
		t.Fatal("a confirmed value must not be reservable by another owner")
	}
	// but the owner reserving its own confirmed value is a no-op success
	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("owner re-reserve of a confirmed value should succeed")
	}
}

func TestConfirmWithWrongTokensFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("reserve failed")
	}
	if ok, _ := svc.Confirm(ctx, "usernames", "owner-2", "alice"); ok {
		t.Fatal("confirm must require the owning token")
	}
	if ok, _ := svc.Confirm(ctx, "usernames", "owner-1", "bob"); ok {
		t.Fatal("confirm must require the matching confirmation token")
	}
}

func TestCancelReleasesOwnedValue(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-1", 0); !ok {
		t.Fatal("reserve failed")
	}
	if ok, _ := svc.Cancel(ctx, "alice", "usernames", "owner-2"); ok {
		t.Fatal("cancel must require ownership")
	}
	ok, err := svc.Cancel(ctx, "alice", "usernames", "owner-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("owner cancel must succeed")
	}

	// the released value is immediately reservable again
	if ok, _ := svc.Reserve(ctx, "alice", "usernames", "owner-2", 0); !ok {
		t.Fatal("canceled value must be reservable")
	}
}

func TestReserveAnyIsIdempotentPerOwnerAndConfirmation(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	// seed the scope with lapsed leases so ReserveAny has candidates
	for _, value := range []string{"#100", "#101", "#102"} {
		if ok, _ := svc.Reserve(ctx, value, "ticket-numbers", "seeder", 0); !ok {
			t.Fatalf("seed reserve %s failed", value)
		}
	}
	clock.Advance(2 * time.Minute)

	first, ok, err := svc.ReserveAny(ctx, "ticket-numbers", "owner-1", 0, "req-42")
	if err != nil {
		t.Fatalf("reserve any: %v", err)
	}
	if !ok {
		t.Fatal("reserve any with candidates must succeed")
	}

	// a redelivered allocation request must come back with the same value
	second, ok, err := svc.ReserveAny(ctx, "ticket-numbers", "owner-1", 0, "req-42")
	if err != nil {
		t.Fatalf("reserve any: %v", err)
	}
	if !ok || second != first {
		t.Fatalf("expected idempotent result %q, got %q (ok=%v)", first, second, ok)
	}
}

func TestReserveAnyExhaustsCandidates(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "#100", "ticket-numbers", "seeder", 0); !ok {
		t.Fatal("seed reserve failed")
	}
	clock.Advance(2 * time.Minute)

	value, ok, err := svc.ReserveAny(ctx, "ticket-numbers", "owner-1", 0, "")
	if err != nil || !ok || value != "#100" {
		t.Fatalf("expected to claim #100, got %q ok=%v err=%v", value, ok, err)
	}

	// the only candidate is now held; a different owner finds nothing
	_, ok, err = svc.ReserveAny(ctx, "ticket-numbers", "owner-2", 0, "")
	if err != nil {
		t.Fatalf("reserve any: %v", err)
	}
	if ok {
		t.Fatal("reserve any with no claimable candidates must report failure")
	}
}

func TestReserveAnySkipsConfirmedValues(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Reserve(ctx, "#100", "ticket-numbers", "keeper", 0); !ok {
		t.Fatal("seed reserve failed")
	}
	if ok, _ := svc.Confirm(ctx, "ticket-numbers", "keeper", "#100"); !ok {
		t.Fatal("confirm failed")
	}
	clock.Advance(time.Hour)

	if _, ok, _ := svc.ReserveAny(ctx, "ticket-numbers", "owner-1", 0, ""); ok {
		t.Fatal("confirmed values are permanently owned")
	}
}

func TestConcurrentReserveOfOneValueHasSingleWinner(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const contenders = 10
	var wg sync.WaitGroup
	wins := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Reserve(ctx, "alice", "usernames", owner, 0)
			if err != nil {
				t.Errorf("reserve %s: %v", owner, err)
				return
			}
			if ok {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for owner := range wins {
		winners = append(winners, owner)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
}

func TestReserveGoResolvesOutcome(t *testing.T) {
	svc, _ := newService(t)

	ok, err := svc.ReserveGo(context.Background(), "alice", "usernames", "owner-1", 0).Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
}
