// Package engine implements the delivery pipeline: load a target, apply a
// command exactly once per idempotency token, persist the outcome, and run
// the failure path when anything in between goes wrong.
package engine

import (
	"context"
	"strings"

	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/registry"
	"github.com/goliatone/go-delivery/retry"
	"github.com/goliatone/go-delivery/store"
	"github.com/goliatone/go-delivery/stream"
	"github.com/google/uuid"
)

// Engine applies scheduled commands against a target store.
//
// Exactly-once effect is cooperative: the recorder answers whether a token
// was already applied, the store's compare-and-set write arbitrates racing
// deliveries, and the publisher records applied tokens so the loser of a
// race sees a no-op on redelivery. Wiring the same Bus as recorder and
// publisher closes that loop in process.
type Engine[T any] struct {
	targets  store.TargetStore[T]
	handlers *registry.Registry[T]

	recorder  stream.Recorder
	publisher stream.Publisher
	policy    retry.Policy
	clock     delivery.Clock
	logger    delivery.Logger
	journal   store.CommandJournal
	etags     func() string
}

// New builds an engine over the target store and handler registry.
func New[T any](targets store.TargetStore[T], handlers *registry.Registry[T], opts ...Option[T]) (*Engine[T], error) {
	if targets == nil {
		return nil, delivery.ValidationError("target store required", nil)
	}
	if handlers == nil {
		return nil, delivery.ValidationError("handler registry required", nil)
	}

	e := &Engine[T]{
		targets:  targets,
		handlers: handlers,
		policy:   retry.QuadraticBackoff{},
		clock:    delivery.SystemClock{},
		etags:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = delivery.NormalizeLogger(e.logger)
	return e, nil
}

// ApplyScheduledCommand runs the delivery algorithm. Expected delivery
// failures are captured into the command's result and never returned; only
// contract violations (nil command, broken etag source, invalid result
// transitions) surface as errors.
func (e *Engine[T]) ApplyScheduledCommand(ctx context.Context, sc *delivery.ScheduledCommand) error {
	if sc == nil {
		return delivery.ValidationError("scheduled command required", nil)
	}
	cmd := sc.Command()
	if delivery.IsNilCommand(cmd) {
		return delivery.ValidationError("command payload required", nil)
	}
	targetID := sc.TargetID()
	if targetID == "" {
		return delivery.ValidationError("target id required", nil)
	}

	if sc.ETag() == "" {
		etag := strings.TrimSpace(e.etags())
		if etag == "" {
			return delivery.ValidationError("etag source produced an empty token", nil)
		}
		if err := sc.AssignETag(etag); err != nil {
			return err
		}
	}

	if pre := sc.Precondition(); pre != nil {
		if strings.TrimSpace(pre.Token) == "" {
			token := strings.TrimSpace(e.etags())
			if token == "" {
				return delivery.ValidationError("etag source produced an empty precondition token", nil)
			}
			if err := sc.AssignPreconditionToken(token); err != nil {
				return err
			}
			pre = sc.Precondition()
		}
		if err := pre.Validate(); err != nil {
			return err
		}
	}

	if status := sc.Status(); status == delivery.StatusSucceeded || sc.Failure().IsCanceled() {
		e.log(sc).Debug("skipping delivery of terminal command")
		return nil
	}

	attempts := sc.RecordAttempt()
	logger := e.log(sc)
	logger.Debug("delivery attempt %d", attempts)

	caps, err := e.handlers.Resolve(cmd)
	if err != nil {
		return e.fail(ctx, sc, caps, false, err)
	}

	if pre := sc.Precondition(); pre != nil {
		if e.recorder == nil {
			return e.fail(ctx, sc, caps, false,
				delivery.PreconditionError("precondition set but no recorder configured", nil))
		}
		recorded, err := e.recorder.HasBeenRecorded(ctx, pre.Scope, pre.Token)
		if err != nil {
			return e.fail(ctx, sc, caps, false, err)
		}
		if !recorded {
			return e.fail(ctx, sc, caps, false,
				delivery.PreconditionError("delivery precondition not met", nil))
		}
	}

	if err := cmd.Validate(); err != nil {
		return e.fail(ctx, sc, caps, false, delivery.ValidationError("command validation failed", err))
	}

	rec, err := e.targets.Get(ctx, targetID)
	if err != nil {
		return e.fail(ctx, sc, caps, false, err)
	}
	targetExists := rec != nil

	if caps.Constructor {
		if targetExists {
			// construction is not idempotent against a live target
			return e.fail(ctx, sc, caps, true,
				delivery.ConflictError("target already exists", nil))
		}
		var target T
		err := delivery.CapturePanic(func() error {
			var cerr error
			target, cerr = caps.Factory.ConstructTarget(ctx, cmd)
			return cerr
		})
		if err != nil {
			return e.fail(ctx, sc, caps, false, err)
		}
		rec = &store.Record[T]{ID: targetID, Target: target}
	} else {
		if !targetExists {
			return e.fail(ctx, sc, caps, false,
				delivery.PreconditionError("target not found", nil))
		}

		if e.recorder != nil {
			applied, err := e.recorder.HasBeenRecorded(ctx, targetID, sc.ETag())
			if err != nil {
				return e.fail(ctx, sc, caps, true, err)
			}
			if applied {
				logger.Debug("etag already applied, delivery is a no-op")
				return e.succeed(ctx, sc)
			}
		}

		err := delivery.CapturePanic(func() error {
			return caps.Enactor.EnactCommand(ctx, rec.Target, cmd)
		})
		if err != nil {
			return e.fail(ctx, sc, caps, true, err)
		}
	}

	if _, err := e.targets.Put(ctx, rec); err != nil {
		return e.fail(ctx, sc, caps, targetExists, err)
	}

	if e.publisher != nil {
		evt := stream.Event{Scope: targetID, Token: sc.ETag(), At: e.clock.Now()}
		if err := e.publisher.Publish(ctx, evt); err != nil {
			logger.Warn("failed to record applied etag: %v", err)
		}
	}

	return e.succeed(ctx, sc)
}

func (e *Engine[T]) succeed(ctx context.Context, sc *delivery.ScheduledCommand) error {
	if err := sc.MarkSucceeded(); err != nil {
		return err
	}
	e.recordJournal(ctx, sc)
	e.log(sc).Info("command delivered")
	return nil
}

// fail runs the failure path: invoke the exception hook against a freshly
// loaded target, decide cancel vs retry, and store the result on the
// command. The cause never propagates to the caller.
func (e *Engine[T]) fail(
	ctx context.Context,
	sc *delivery.ScheduledCommand,
	caps registry.Capabilities[T],
	targetExists bool,
	cause error,
) error {
	logger := e.log(sc)
	failure := delivery.NewCommandFailed(cause)

	if targetExists && caps.Exceptions != nil {
		// reload so the hook never sees state mutated by the failed apply
		fresh, err := e.targets.Get(ctx, sc.TargetID())
		if err != nil {
			logger.Warn("could not reload target for exception hook: %v", err)
		} else if fresh != nil {
			hookErr := delivery.CapturePanic(func() error {
				return caps.Exceptions.HandleScheduledCommandException(ctx, fresh.Target, failure)
			})
			if hookErr != nil {
				logger.Warn("exception hook failed: %v", hookErr)
			} else if _, err := e.targets.Put(ctx, fresh); err != nil {
				logger.Warn("could not persist compensating state: %v", err)
			}
		}
	}

	switch {
	case caps.Constructor && delivery.IsConflict(cause):
		// the target is already materialized, redelivery is permanently
		// redundant
		failure.Cancel()
	case failure.Decided():
		// the hook already chose
	default:
		if at, ok := e.policy.NextRetry(sc.Attempts(), cause, e.clock.Now()); ok {
			failure.ScheduleRetry(at)
		}
	}

	if err := sc.MarkFailed(failure); err != nil {
		// a racing delivery reached a terminal result first
		logger.Debug("failure result discarded: %v", err)
		return nil
	}
	e.recordJournal(ctx, sc)

	logger.Error("command delivery failed canceled=%v retry=%v: %v",
		failure.IsCanceled(), failure.RetryAfter() != nil, cause)
	return nil
}

func (e *Engine[T]) recordJournal(ctx context.Context, sc *delivery.ScheduledCommand) {
	if e.journal == nil {
		return
	}

	entry := store.CommandEntry{
		ETag:           sc.ETag(),
		CommandType:    delivery.CommandType(sc.Command()),
		TargetID:       sc.TargetID(),
		SequenceNumber: sc.SequenceNumber(),
		DueTime:        sc.DueTime(),
		Status:         sc.Status(),
		Attempts:       sc.Attempts(),
	}
	if pre := sc.Precondition(); pre != nil {
		entry.Scope = pre.Scope
		entry.Token = pre.Token
	}
	if failure := sc.Failure(); failure != nil {
		entry.Canceled = failure.IsCanceled()
		entry.RetryAt = failure.RetryAfter()
		if failure.Err != nil {
			entry.LastError = failure.Err.Error()
		}
	}

	saved, err := e.journal.Record(ctx, entry)
	if err != nil {
		e.log(sc).Warn("journal write failed: %v", err)
		return
	}
	if sc.SequenceNumber() < 0 && saved.SequenceNumber > 0 {
		sc.SetSequenceNumber(saved.SequenceNumber)
	}
}

func (e *Engine[T]) log(sc *delivery.ScheduledCommand) delivery.Logger {
	return delivery.WithLoggerFields(e.logger, map[string]any{
		"target_id":    sc.TargetID(),
		"command_type": delivery.CommandType(sc.Command()),
		"etag":         sc.ETag(),
	})
}
