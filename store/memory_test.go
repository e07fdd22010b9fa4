package store

import (
	"context"
	"testing"

	delivery "github.com/goliatone/go-delivery"
)

type account struct {
	Owner   string
	Balance int
}

func TestInMemoryStorePutInsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore[*account]()

	version, err := s.Put(ctx, &Record[*account]{ID: "acct-1", Target: &account{Owner: "ada"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	rec, err := s.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.Target.Owner != "ada" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	rec.Target.Balance = 10
	version, err = s.Put(ctx, rec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestInMemoryStoreDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore[*account]()

	if _, err := s.Put(ctx, &Record[*account]{ID: "acct-1", Target: &account{}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// stale insert against an existing row
	_, err := s.Put(ctx, &Record[*account]{ID: "acct-1", Target: &account{}})
	if !delivery.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate insert, got %v", err)
	}

	first, _ := s.Get(ctx, "acct-1")
	second, _ := s.Get(ctx, "acct-1")

	if _, err := s.Put(ctx, first); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	_, err = s.Put(ctx, second)
	if !delivery.IsConflict(err) {
		t.Fatalf("expected conflict for stale writer, got %v", err)
	}
}

func TestInMemoryStoreGetAbsentReturnsNil(t *testing.T) {
	s := NewInMemoryStore[*account]()
	rec, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for absent target, got %+v", rec)
	}
}

func TestInMemoryStoreCloneIsolatesReaders(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(WithClone(func(a *account) *account {
		if a == nil {
			return nil
		}
		cp := *a
		return &cp
	}))

	if _, err := s.Put(ctx, &Record[*account]{ID: "acct-1", Target: &account{Owner: "ada"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, _ := s.Get(ctx, "acct-1")
	rec.Target.Owner = "mutated"

	fresh, _ := s.Get(ctx, "acct-1")
	if fresh.Target.Owner != "ada" {
		t.Fatalf("expected stored target unchanged, got %q", fresh.Target.Owner)
	}
}

func TestInMemoryJournalAssignsSequenceOnce(t *testing.T) {
	ctx := context.Background()
	j := NewInMemoryJournal()

	first, err := j.Record(ctx, CommandEntry{ETag: "etag-1", TargetID: "t-1", SequenceNumber: -99, Status: delivery.StatusScheduled})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.SequenceNumber != 1 {
		t.Fatalf("expected assigned sequence 1, got %d", first.SequenceNumber)
	}

	second, err := j.Record(ctx, CommandEntry{ETag: "etag-2", TargetID: "t-1", SequenceNumber: -50, Status: delivery.StatusScheduled})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if second.SequenceNumber != 2 {
		t.Fatalf("expected assigned sequence 2, got %d", second.SequenceNumber)
	}

	updated, err := j.Record(ctx, CommandEntry{ETag: "etag-1", TargetID: "t-1", Status: delivery.StatusSucceeded, Attempts: 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SequenceNumber != 1 {
		t.Fatalf("upsert must keep the original sequence, got %d", updated.SequenceNumber)
	}

	entries, err := j.List(ctx, JournalQuery{TargetID: "t-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ETag != "etag-1" || entries[0].Status != delivery.StatusSucceeded {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}

	failed, err := j.List(ctx, JournalQuery{Status: delivery.StatusScheduled})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(failed) != 1 || failed[0].ETag != "etag-2" {
		t.Fatalf("unexpected filtered entries: %+v", failed)
	}
}
