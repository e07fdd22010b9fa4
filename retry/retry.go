// Package retry holds the pure decision logic for redelivering failed
// commands.
package retry

import "time"

// DefaultMaxAttempts bounds automatic redelivery when no policy override is
// configured.
const DefaultMaxAttempts = 5

// Policy decides whether a failed delivery should be retried and when.
type Policy interface {
	// NextRetry returns the redelivery time for a command that has made
	// attempts delivery attempts so far. ok is false when the command is
	// exhausted and no further attempt should be scheduled.
	NextRetry(attempts int, err error, now time.Time) (at time.Time, ok bool)
}

// NoRetry never schedules a redelivery.
type NoRetry struct{}

func (NoRetry) NextRetry(_ int, _ error, _ time.Time) (time.Time, bool) {
	return time.Time{}, false
}

// QuadraticBackoff retries with a (attempts+1)^2 unit delay, spreading
// attempts apart without keeping external backoff state.
// Usage example:
//
//	engine.WithRetryPolicy(retry.QuadraticBackoff{
//	    MaxAttempts: 5,
//	    Unit:        time.Minute,
//	})
type QuadraticBackoff struct {
	// MaxAttempts caps total delivery attempts (default 5).
	MaxAttempts int
	// Unit is the backoff multiplier base (default one minute).
	Unit time.Duration
}

func (p QuadraticBackoff) NextRetry(attempts int, _ error, now time.Time) (time.Time, bool) {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if attempts >= max {
		return time.Time{}, false
	}
	if attempts < 0 {
		attempts = 0
	}

	unit := p.Unit
	if unit <= 0 {
		unit = time.Minute
	}

	n := time.Duration(attempts + 1)
	return now.Add(n * n * unit), true
}

// ScheduleBackoff retries following an explicit delay schedule, one entry per
// attempt, stopping when the schedule is exhausted.
type ScheduleBackoff struct {
	Delays []time.Duration
}

func (p ScheduleBackoff) NextRetry(attempts int, _ error, now time.Time) (time.Time, bool) {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(p.Delays) {
		return time.Time{}, false
	}
	return now.Add(p.Delays[attempts]), true
}
