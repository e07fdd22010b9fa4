package delivery

import (
	"strings"
	"sync"
	"time"
)

// Precondition names an event that must have been recorded against a scope
// before a dependent command may be delivered.
type Precondition struct {
	Scope string `json:"scope" yaml:"scope"`
	Token string `json:"token" yaml:"token"`
}

// Validate checks both members are present.
func (p Precondition) Validate() error {
	if strings.TrimSpace(p.Scope) == "" {
		return ValidationError("precondition scope required", nil)
	}
	if strings.TrimSpace(p.Token) == "" {
		return ValidationError("precondition token required", nil)
	}
	return nil
}

// ResultStatus tracks the one-directional delivery result of a scheduled
// command.
type ResultStatus string

const (
	StatusUnset     ResultStatus = ""
	StatusScheduled ResultStatus = "scheduled"
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
)

// Delivered reports whether the status is a delivered outcome.
func (s ResultStatus) Delivered() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CommandFailed captures one failed delivery: the triggering error plus the
// retry/cancel decision. Canceling always wins over a scheduled retry.
type CommandFailed struct {
	Err error

	canceled   bool
	retryAfter *time.Time
	decided    bool
}

// NewCommandFailed wraps err into an undecided failure.
func NewCommandFailed(err error) *CommandFailed {
	return &CommandFailed{Err: err}
}

// Cancel marks the failure terminal. Any pending retry is discarded.
func (f *CommandFailed) Cancel() {
	if f == nil {
		return
	}
	f.canceled = true
	f.retryAfter = nil
	f.decided = true
}

// ScheduleRetry requests redelivery at the given time. Ignored once canceled.
func (f *CommandFailed) ScheduleRetry(at time.Time) {
	if f == nil || f.canceled {
		return
	}
	at = at.UTC()
	f.retryAfter = &at
	f.decided = true
}

// IsCanceled reports whether the failure is terminal.
func (f *CommandFailed) IsCanceled() bool {
	return f != nil && f.canceled
}

// RetryAfter returns the scheduled retry time, nil when no retry is planned.
func (f *CommandFailed) RetryAfter() *time.Time {
	if f == nil || f.retryAfter == nil {
		return nil
	}
	at := *f.retryAfter
	return &at
}

// Decided reports whether an explicit retry/cancel decision was recorded,
// e.g. by a handler exception hook, preempting the default retry policy.
func (f *CommandFailed) Decided() bool {
	return f != nil && f.decided
}

// ScheduledCommand is the unit of scheduled work: a command payload bound to
// a target, with due time, precondition, idempotency token, and delivery
// result. Safe for concurrent use; racing deliveries serialize on the
// embedded lock and the one-directional result transitions.
type ScheduledCommand struct {
	mu sync.Mutex

	command      Command
	targetID     string
	sequence     int64
	etag         string
	dueTime      *time.Time
	precondition *Precondition

	status   ResultStatus
	failure  *CommandFailed
	attempts int
}

// ScheduleOption configures a new scheduled command.
type ScheduleOption func(*ScheduledCommand)

// WithDueTime defers delivery until at.
func WithDueTime(at time.Time) ScheduleOption {
	return func(sc *ScheduledCommand) {
		at = at.UTC()
		sc.dueTime = &at
	}
}

// WithPrecondition defers delivery until the (scope, token) event has been
// recorded.
func WithPrecondition(scope, token string) ScheduleOption {
	return func(sc *ScheduledCommand) {
		sc.precondition = &Precondition{Scope: scope, Token: token}
	}
}

// WithETag assigns the caller-supplied idempotency token.
func WithETag(etag string) ScheduleOption {
	return func(sc *ScheduledCommand) {
		sc.etag = strings.TrimSpace(etag)
	}
}

// NewScheduledCommand binds cmd to a target. The sequence number starts as a
// negative, time-derived placeholder until storage assigns the real one.
func NewScheduledCommand(targetID string, cmd Command, opts ...ScheduleOption) *ScheduledCommand {
	sc := &ScheduledCommand{
		command:  cmd,
		targetID: strings.TrimSpace(targetID),
		sequence: -time.Now().UTC().UnixNano(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sc)
		}
	}
	return sc
}

// Command returns the payload.
func (sc *ScheduledCommand) Command() Command {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.command
}

// TargetID returns the identity of the aggregate/scope the command applies to.
func (sc *ScheduledCommand) TargetID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.targetID
}

// SequenceNumber returns the ordering hint. Negative until persisted.
func (sc *ScheduledCommand) SequenceNumber() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sequence
}

// SetSequenceNumber records the storage-assigned position.
func (sc *ScheduledCommand) SetSequenceNumber(n int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.sequence = n
}

// ETag returns the idempotency token, empty until assigned.
func (sc *ScheduledCommand) ETag() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.etag
}

// AssignETag sets the idempotency token once. Reassignment is a contract
// violation.
func (sc *ScheduledCommand) AssignETag(etag string) error {
	etag = strings.TrimSpace(etag)
	if etag == "" {
		return ValidationError("etag required", nil)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.etag != "" && sc.etag != etag {
		return ValidationError("etag is immutable once assigned", nil)
	}
	sc.etag = etag
	return nil
}

// DueTime returns the optional due time; nil means due immediately.
func (sc *ScheduledCommand) DueTime() *time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.dueTime == nil {
		return nil
	}
	at := *sc.dueTime
	return &at
}

// IsDue reports whether the command is deliverable at now.
func (sc *ScheduledCommand) IsDue(now time.Time) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.dueTime == nil || !sc.dueTime.After(now)
}

// Precondition returns the delivery precondition, nil when unconditional.
func (sc *ScheduledCommand) Precondition() *Precondition {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.precondition == nil {
		return nil
	}
	p := *sc.precondition
	return &p
}

// AssignPreconditionToken fills an absent precondition token. Like the etag,
// a token is immutable once present, and assigning one to an unconditional
// command is a contract violation.
func (sc *ScheduledCommand) AssignPreconditionToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ValidationError("precondition token required", nil)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.precondition == nil {
		return ValidationError("command has no precondition", nil)
	}
	if sc.precondition.Token != "" && sc.precondition.Token != token {
		return ValidationError("precondition token is immutable once assigned", nil)
	}
	sc.precondition.Token = token
	return nil
}

// Attempts returns the number of previous delivery attempts.
func (sc *ScheduledCommand) Attempts() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.attempts
}

// RecordAttempt increments and returns the attempt counter.
func (sc *ScheduledCommand) RecordAttempt() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.attempts++
	return sc.attempts
}

// Status returns the current result status.
func (sc *ScheduledCommand) Status() ResultStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// Failure returns the last failure, nil unless status is StatusFailed.
func (sc *ScheduledCommand) Failure() *CommandFailed {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.failure
}

// MarkScheduled records acceptance by the scheduler. Moving backward from a
// delivered outcome is a contract violation.
func (sc *ScheduledCommand) MarkScheduled() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status.Delivered() {
		return ValidationError("result cannot revert from delivered to scheduled", nil)
	}
	sc.status = StatusScheduled
	return nil
}

// MarkSucceeded records a successful delivery. A prior failed attempt may
// still succeed on retry; repeating a success is a no-op; a canceled failure
// is terminal.
func (sc *ScheduledCommand) MarkSucceeded() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status == StatusSucceeded {
		return nil
	}
	if err := sc.ensureNotTerminal(); err != nil {
		return err
	}
	sc.status = StatusSucceeded
	sc.failure = nil
	return nil
}

// MarkFailed records a failed delivery with its retry/cancel decision.
func (sc *ScheduledCommand) MarkFailed(failure *CommandFailed) error {
	if failure == nil {
		return ValidationError("failure required", nil)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.ensureNotTerminal(); err != nil {
		return err
	}
	sc.status = StatusFailed
	sc.failure = failure
	return nil
}

func (sc *ScheduledCommand) ensureNotTerminal() error {
	if sc.status == StatusSucceeded {
		return ValidationError("result already delivered successfully", nil)
	}
	if sc.status == StatusFailed && sc.failure.IsCanceled() {
		return ValidationError("result is canceled and terminal", nil)
	}
	return nil
}
