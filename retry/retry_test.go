package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadraticBackoffIncreasesStrictly(t *testing.T) {
	policy := QuadraticBackoff{}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	errBoom := errors.New("boom")

	var prev time.Duration
	for attempts := 0; attempts < DefaultMaxAttempts; attempts++ {
		at, ok := policy.NextRetry(attempts, errBoom, now)
		require.True(t, ok, "attempt %d should retry", attempts)

		delay := at.Sub(now)
		n := time.Duration(attempts + 1)
		assert.Equal(t, n*n*time.Minute, delay, "attempt %d", attempts)
		assert.Greater(t, delay, prev, "backoff must increase strictly")
		prev = delay
	}

	_, ok := policy.NextRetry(DefaultMaxAttempts, errBoom, now)
	assert.False(t, ok, "expected exhaustion after max attempts")
}

func TestQuadraticBackoffHonorsOverrides(t *testing.T) {
	policy := QuadraticBackoff{MaxAttempts: 2, Unit: time.Second}
	now := time.Now()

	at, ok := policy.NextRetry(1, nil, now)
	require.True(t, ok, "expected retry below max attempts")
	assert.Equal(t, 4*time.Second, at.Sub(now))

	_, ok = policy.NextRetry(2, nil, now)
	assert.False(t, ok, "expected exhaustion at configured max")
}

func TestNoRetry(t *testing.T) {
	_, ok := (NoRetry{}).NextRetry(0, nil, time.Now())
	assert.False(t, ok, "NoRetry must never schedule a retry")
}

func TestScheduleBackoffFollowsSchedule(t *testing.T) {
	policy := ScheduleBackoff{Delays: []time.Duration{time.Second, time.Minute}}
	now := time.Now()

	cases := []struct {
		attempts int
		want     time.Duration
		ok       bool
	}{
		{attempts: 0, want: time.Second, ok: true},
		{attempts: 1, want: time.Minute, ok: true},
		{attempts: 2, ok: false},
	}
	for _, tc := range cases {
		at, ok := policy.NextRetry(tc.attempts, nil, now)
		require.Equal(t, tc.ok, ok, "attempts=%d", tc.attempts)
		if tc.ok {
			assert.Equal(t, tc.want, at.Sub(now), "attempts=%d", tc.attempts)
		}
	}
}
