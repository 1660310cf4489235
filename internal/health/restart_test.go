package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndGatesAttempts(t *testing.T) {
	tr := NewRestartTracker(RestartPolicy{MaxAttempts: 5, BackoffBase: 30 * time.Second, Cooldown: time.Hour})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start

	for n := 1; n <= 5; n++ {
		decision, rec := tr.Evaluate("a1", now)
		require.Equal(t, DecisionRestart, decision, "attempt %d", n)
		assert.Equal(t, n, rec.AttemptCount)
		wait := 30 * time.Second * time.Duration(1<<(n-1))
		assert.Equal(t, now.Add(wait), rec.NextAllowedAt)

		decision, _ = tr.Evaluate("a1", now.Add(wait-time.Second))
		assert.Equal(t, DecisionBackoff, decision, "no restart before nextAllowedAt")
		now = now.Add(wait)
	}

	decision, rec := tr.Evaluate("a1", now)
	assert.Equal(t, DecisionExhausted, decision)
	assert.True(t, rec.Exhausted)

	for i := 0; i < 3; i++ {
		now = now.Add(2 * time.Hour)
		decision, _ = tr.Evaluate("a1", now)
		assert.Equal(t, DecisionSuppressed, decision, "exhaustion is reported once and cooldown does not re-arm it")
	}
	assert.False(t, tr.ObserveHealthy("a1", now), "exhausted records survive healthy checks")

	assert.True(t, tr.Reset("a1"))
	decision, _ = tr.Evaluate("a1", now)
	assert.Equal(t, DecisionRestart, decision)
}

func TestCooldownResetsCount(t *testing.T) {
	tr := NewRestartTracker(RestartPolicy{MaxAttempts: 5, BackoffBase: 30 * time.Second, Cooldown: 10 * time.Minute})
	now := time.Now()

	tr.Evaluate("a1", now)
	tr.Evaluate("a1", now.Add(30*time.Second))

	decision, rec := tr.Evaluate("a1", now.Add(30*time.Second+10*time.Minute))
	assert.Equal(t, DecisionRestart, decision)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestObserveHealthyDeletesAfterCooldown(t *testing.T) {
	tr := NewRestartTracker(DefaultRestartPolicy())
	now := time.Now()
	tr.Evaluate("a1", now)

	assert.False(t, tr.ObserveHealthy("a1", now.Add(9*time.Minute)))
	_, ok := tr.Get("a1")
	assert.True(t, ok)

	assert.True(t, tr.ObserveHealthy("a1", now.Add(10*time.Minute)))
	_, ok = tr.Get("a1")
	assert.False(t, ok)
}
