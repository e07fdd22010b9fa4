package reservation

import (
	"context"
	"testing"
	"time"

	delivery "github.com/goliatone/go-delivery"
)

func TestInMemoryStoreVersioning(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	exp := time.Date(2025, 6, 1, 0, 1, 0, 0, time.UTC)

	res := Reservation{Scope: "usernames", Value: "alice", OwnerToken: "owner-1", ConfirmationToken: "alice", Expiration: &exp}
	version, err := s.Save(ctx, res)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	// re-insert races fail
	if _, err := s.Save(ctx, res); !delivery.IsConflict(err) {
		t.Fatalf("expected insert conflict, got %v", err)
	}

	cur, err := s.Get(ctx, "usernames", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cur.OwnerToken = "owner-2"
	if version, err = s.Save(ctx, *cur); err != nil || version != 2 {
		t.Fatalf("versioned save: v=%d err=%v", version, err)
	}

	// the stale writer loses
	stale := *cur
	if _, err := s.Save(ctx, stale); !delivery.IsConflict(err) {
		t.Fatalf("expected stale-write conflict, got %v", err)
	}

	if err := s.Delete(ctx, "usernames", "alice", 1); !delivery.IsConflict(err) {
		t.Fatalf("expected delete version conflict, got %v", err)
	}
	if err := s.Delete(ctx, "usernames", "alice", 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cur, _ := s.Get(ctx, "usernames", "alice"); cur != nil {
		t.Fatal("expected row removed")
	}
}

func TestInMemoryStoreIsolatesReturnedRows(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	exp := time.Date(2025, 6, 1, 0, 1, 0, 0, time.UTC)

	if _, err := s.Save(ctx, Reservation{Scope: "usernames", Value: "alice", OwnerToken: "owner-1", ConfirmationToken: "alice", Expiration: &exp}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := s.Get(ctx, "usernames", "alice")
	*got.Expiration = got.Expiration.Add(time.Hour)
	got.OwnerToken = "mutated"

	fresh, _ := s.Get(ctx, "usernames", "alice")
	if fresh.OwnerToken != "owner-1" || !fresh.Expiration.Equal(exp) {
		t.Fatal("store rows must not alias caller mutations")
	}
}
