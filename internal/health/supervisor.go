package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/runtime"
)

type AgentSource interface {
	ListMonitoredAgents(ctx context.Context) ([]models.Agent, error)
	AgentActivity(ctx context.Context, agentID string, since time.Time) (models.ActivityStats, error)
}

type ContainerRuntime interface {
	Inspect(ctx context.Context, agentID string) (*runtime.ContainerState, error)
	Restart(ctx context.Context, agentID string) error
}

type TunnelProber interface {
	IsConnected(agentID string) bool
	Protocol(agentID string) string
	Ping(ctx context.Context, agentID string) (time.Duration, error)
	Restart(ctx context.Context, agentID string) error
}

type BridgeHealth interface {
	Health(agentID string) (*models.BridgeClientHealth, bool)
}

type EventPublisher interface {
	PublishHealth(ctx context.Context, ev models.HealthEvent) error
}

type Notifier interface {
	SendAlert(ctx context.Context, alert models.Alert) error
}

// Deps wires the supervisor to the rest of the backend. Runtime, Bridge and
// Notifier may be nil.
type Deps struct {
	Agents   AgentSource
	Runtime  ContainerRuntime
	Tunnels  TunnelProber
	Bridge   BridgeHealth
	Events   EventPublisher
	Notifier Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type Options struct {
	Thresholds   Thresholds
	Restart      RestartPolicy
	CheckTimeout time.Duration
	Concurrency  int
}

type Supervisor struct {
	deps     Deps
	opts     Options
	restarts *RestartTracker
	logger   *slog.Logger

	mu   sync.RWMutex
	last map[string]models.HealthRecord
}

func NewSupervisor(opts Options, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Restart == (RestartPolicy{}) {
		opts.Restart = DefaultRestartPolicy()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	return &Supervisor{
		deps:     deps,
		opts:     opts,
		restarts: NewRestartTracker(opts.Restart),
		logger:   deps.Logger.With("component", "health"),
		last:     make(map[string]models.HealthRecord),
	}
}

// CheckAll checks every monitored agent concurrently. A failure or panic
// while checking one agent does not affect the others.
func (s *Supervisor) CheckAll(ctx context.Context) error {
	agents, err := s.deps.Agents.ListMonitoredAgents(ctx)
	if err != nil {
		return fmt.Errorf("list monitored agents: %w", err)
	}

	p := pool.New().WithMaxGoroutines(s.opts.Concurrency)
	for _, agent := range agents {
		p.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				if _, err := s.CheckAgent(ctx, agent); err != nil {
					s.logger.Warn("health check failed", "agent_id", agent.ID, "error", err)
				}
			})
			if r := pc.Recovered(); r != nil {
				s.logger.Error("health check panicked", "agent_id", agent.ID, "panic", r.Value, "stack", string(r.Stack))
			}
		})
	}
	p.Wait()

	s.logger.Debug("health sweep complete", "agents", len(agents))
	return nil
}

func (s *Supervisor) gather(ctx context.Context, agent models.Agent, now time.Time) (Inputs, error) {
	in := Inputs{Deployment: agent.Deployment}

	if s.deps.Runtime != nil {
		state, err := s.deps.Runtime.Inspect(ctx, agent.ID)
		switch {
		case err == nil:
			in.Container = state
		case errors.Is(err, runtime.ErrNotManaged):
		default:
			in.ContainerErr = err
		}
	}

	if s.deps.Tunnels.IsConnected(agent.ID) {
		in.Connected = true
		in.Protocol = s.deps.Tunnels.Protocol(agent.ID)
		in.RTT, in.PingErr = s.deps.Tunnels.Ping(ctx, agent.ID)
	}

	if s.deps.Bridge != nil {
		if h, ok := s.deps.Bridge.Health(agent.ID); ok {
			in.Bridge = h
		}
	}

	activity, err := s.deps.Agents.AgentActivity(ctx, agent.ID, now.Add(-s.opts.Thresholds.ActivityWindow))
	if err != nil {
		return in, fmt.Errorf("activity: %w", err)
	}
	in.Activity = activity
	if in.Activity.LastActiveAt == nil {
		in.Activity.LastActiveAt = agent.LastActiveAt
	}
	return in, nil
}

// CheckAgent runs one health check, publishes the result and applies the
// restart policy.
func (s *Supervisor) CheckAgent(ctx context.Context, agent models.Agent) (models.HealthRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
	defer cancel()

	now := s.deps.Clock.Now()
	in, err := s.gather(ctx, agent, now)
	if err != nil {
		return models.HealthRecord{}, err
	}

	rec := Classify(in, s.opts.Thresholds, now)
	rec.AgentID = agent.ID
	rec.OwnerID = agent.OwnerID

	s.mu.Lock()
	prev, seen := s.last[agent.ID]
	rec.Changed = (seen && prev.Status != rec.Status) || (!seen && rec.Status != models.HealthHealthy)
	s.last[agent.ID] = rec
	s.mu.Unlock()

	ev := models.HealthEvent{
		Type:      models.EventHealthUpdate,
		AgentID:   agent.ID,
		OwnerID:   agent.OwnerID,
		Record:    &rec,
		Timestamp: now,
	}
	if rec.Changed {
		s.logger.Info("agent health changed", "agent_id", agent.ID, "from", prev.Status, "to", rec.Status, "alerts", rec.Alerts)
		if alert, ok := s.healthAlert(agent, rec, now); ok {
			ev.Alert = &alert
		}
	}
	s.publish(ctx, ev)

	switch rec.Status {
	case models.HealthUnreachable:
		s.handleUnreachable(ctx, agent, now)
	case models.HealthHealthy:
		if s.restarts.ObserveHealthy(agent.ID, now) {
			s.logger.Info("restart record cleared", "agent_id", agent.ID)
		}
	}
	return rec, nil
}

func (s *Supervisor) handleUnreachable(ctx context.Context, agent models.Agent, now time.Time) {
	decision, record := s.restarts.Evaluate(agent.ID, now)
	switch decision {
	case DecisionBackoff, DecisionSuppressed:
		return
	case DecisionExhausted:
		alert := s.newAlert(agent, models.AlertKindRestartExhausted, models.SeverityCritical,
			fmt.Sprintf("Agent %s exceeded max restarts (%d), manual intervention required", agentLabel(agent), s.opts.Restart.MaxAttempts), now)
		s.logger.Error("auto-restart exhausted", "agent_id", agent.ID, "attempts", record.AttemptCount)
		s.publish(ctx, models.HealthEvent{
			Type:      models.EventRestartFailed,
			AgentID:   agent.ID,
			OwnerID:   agent.OwnerID,
			Alert:     &alert,
			Attempt:   record.AttemptCount,
			Error:     "max restarts exceeded",
			Timestamp: now,
		})
		s.notify(ctx, alert)
		return
	}

	s.logger.Info("auto-restarting agent", "agent_id", agent.ID, "attempt", record.AttemptCount, "next_allowed_at", record.NextAllowedAt)
	if err := s.restart(ctx, agent.ID); err != nil {
		alert := s.newAlert(agent, models.AlertKindRestartFailed, models.SeverityWarning,
			fmt.Sprintf("Restart attempt %d for %s failed: %v", record.AttemptCount, agentLabel(agent), err), now)
		s.logger.Warn("auto-restart failed", "agent_id", agent.ID, "attempt", record.AttemptCount, "error", err)
		s.publish(ctx, models.HealthEvent{
			Type:      models.EventRestartFailed,
			AgentID:   agent.ID,
			OwnerID:   agent.OwnerID,
			Alert:     &alert,
			Attempt:   record.AttemptCount,
			Error:     err.Error(),
			Timestamp: now,
		})
		s.notify(ctx, alert)
		return
	}

	s.publish(ctx, models.HealthEvent{
		Type:      models.EventAgentRestarted,
		AgentID:   agent.ID,
		OwnerID:   agent.OwnerID,
		Attempt:   record.AttemptCount,
		Timestamp: now,
	})
}

// restart goes through the live tunnel first and falls back to the container
// runtime.
func (s *Supervisor) restart(ctx context.Context, agentID string) error {
	err := s.deps.Tunnels.Restart(ctx, agentID)
	if err == nil || !errors.Is(err, models.ErrNotConnected) {
		return err
	}
	if s.deps.Runtime == nil {
		return errors.New("agent is not connected and not container managed")
	}
	if err := s.deps.Runtime.Restart(ctx, agentID); err != nil {
		if errors.Is(err, runtime.ErrNotManaged) {
			return errors.New("agent is not connected and not container managed")
		}
		return err
	}
	return nil
}

// healthAlert turns the alert strings of a non-healthy record into one
// audit entry.
func (s *Supervisor) healthAlert(agent models.Agent, rec models.HealthRecord, now time.Time) (models.Alert, bool) {
	if rec.Status == models.HealthHealthy || len(rec.Alerts) == 0 {
		return models.Alert{}, false
	}
	severity := models.SeverityCritical
	if rec.Status == models.HealthDegraded {
		severity = models.SeverityWarning
	}
	msg := fmt.Sprintf("Agent %s is %s: %s", agentLabel(agent), rec.Status, strings.Join(rec.Alerts, "; "))
	return s.newAlert(agent, models.AlertKindHealth, severity, msg, now), true
}

func (s *Supervisor) newAlert(agent models.Agent, kind, severity, msg string, now time.Time) models.Alert {
	return models.Alert{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		OwnerID:   agent.OwnerID,
		Kind:      kind,
		Severity:  severity,
		Message:   msg,
		CreatedAt: now,
	}
}

func (s *Supervisor) publish(ctx context.Context, ev models.HealthEvent) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishHealth(ctx, ev); err != nil {
		s.logger.Warn("failed to publish health event", "agent_id", ev.AgentID, "type", ev.Type, "error", err)
	}
}

func (s *Supervisor) notify(ctx context.Context, alert models.Alert) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.SendAlert(ctx, alert); err != nil {
		s.logger.Warn("failed to send alert", "agent_id", alert.AgentID, "kind", alert.Kind, "error", err)
	}
}

// LastRecord returns the latest check result for agentID.
func (s *Supervisor) LastRecord(agentID string) (models.HealthRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.last[agentID]
	return rec, ok
}

// RestartRecord exposes the circuit breaker state for agentID.
func (s *Supervisor) RestartRecord(agentID string) (models.RestartRecord, bool) {
	return s.restarts.Get(agentID)
}

// ResetRestarts clears the circuit breaker after a human has intervened.
func (s *Supervisor) ResetRestarts(agentID string) bool {
	ok := s.restarts.Reset(agentID)
	if ok {
		s.logger.Info("restart record reset", "agent_id", agentID)
	}
	return ok
}

func agentLabel(agent models.Agent) string {
	if agent.Name != "" {
		return agent.Name
	}
	return agent.ID
}
