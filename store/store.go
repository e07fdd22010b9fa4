// Package store provides target persistence with optimistic concurrency,
// plus a command journal used by catch-up sweeps and tooling.
package store

import (
	"context"
	"time"
)

// Record wraps a persisted target with its optimistic version. Version 0
// marks a record that has never been written.
type Record[T any] struct {
	ID        string
	Target    T
	Version   int
	UpdatedAt time.Time
}

// TargetStore persists targets keyed by id. Put conditions the write on
// rec.Version matching the stored version at read time; a mismatch surfaces
// as a conflict error (delivery.IsConflict), never a silent overwrite.
// Version 0 inserts and conflicts when the id already exists.
type TargetStore[T any] interface {
	Get(ctx context.Context, id string) (*Record[T], error)
	Put(ctx context.Context, rec *Record[T]) (newVersion int, err error)
}
