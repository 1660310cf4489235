package health

import (
	"sync"
	"time"

	"agentbridge-backend/internal/models"
)

type Decision int

const (
	// DecisionRestart means a restart attempt should be made now.
	DecisionRestart Decision = iota
	// DecisionBackoff means the next attempt is not yet allowed.
	DecisionBackoff
	// DecisionExhausted is returned once, when the attempt budget runs out.
	DecisionExhausted
	// DecisionSuppressed is returned for agents already exhausted.
	DecisionSuppressed
)

func (d Decision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionBackoff:
		return "backoff"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "suppressed"
	}
}

type RestartPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Cooldown    time.Duration
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: 5,
		BackoffBase: 30 * time.Second,
		Cooldown:    10 * time.Minute,
	}
}

// RestartTracker is the per-agent circuit breaker for auto-restarts. Records
// live in memory only.
type RestartTracker struct {
	policy RestartPolicy

	mu      sync.Mutex
	records map[string]*models.RestartRecord
}

func NewRestartTracker(policy RestartPolicy) *RestartTracker {
	return &RestartTracker{
		policy:  policy,
		records: make(map[string]*models.RestartRecord),
	}
}

// Evaluate decides what to do about an unreachable agent at now and, for
// DecisionRestart, books the attempt.
func (t *RestartTracker) Evaluate(agentID string, now time.Time) (Decision, models.RestartRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[agentID]
	if !ok {
		rec = &models.RestartRecord{AgentID: agentID}
		t.records[agentID] = rec
	}

	if rec.Exhausted {
		return DecisionSuppressed, *rec
	}
	if rec.AttemptCount >= t.policy.MaxAttempts {
		rec.Exhausted = true
		return DecisionExhausted, *rec
	}
	if rec.AttemptCount > 0 && now.Sub(rec.LastAttemptAt) >= t.policy.Cooldown {
		rec.AttemptCount = 0
		rec.NextAllowedAt = time.Time{}
	}
	if now.Before(rec.NextAllowedAt) {
		return DecisionBackoff, *rec
	}

	rec.AttemptCount++
	rec.LastAttemptAt = now
	rec.NextAllowedAt = now.Add(t.policy.BackoffBase * time.Duration(1<<(rec.AttemptCount-1)))
	return DecisionRestart, *rec
}

// ObserveHealthy forgets the agent once it has stayed healthy for a full
// cooldown after its last attempt. Exhausted records stay until Reset.
func (t *RestartTracker) ObserveHealthy(agentID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[agentID]
	if !ok || rec.Exhausted {
		return false
	}
	if now.Sub(rec.LastAttemptAt) < t.policy.Cooldown {
		return false
	}
	delete(t.records, agentID)
	return true
}

// Reset clears the record, re-arming auto-restart after manual intervention.
func (t *RestartTracker) Reset(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[agentID]
	delete(t.records, agentID)
	return ok
}

func (t *RestartTracker) Get(agentID string) (models.RestartRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[agentID]
	if !ok {
		return models.RestartRecord{}, false
	}
	return *rec, true
}
