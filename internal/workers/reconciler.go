package workers

import (
	"context"
	"log/slog"
	"time"

	"agentbridge-backend/internal/cache"
	"agentbridge-backend/internal/models"
)

type StatusStore interface {
	ListAgentIDsByStatus(ctx context.Context, status string) ([]string, error)
	UpdateAgentStatus(ctx context.Context, id, status string) error
}

type PresenceCache interface {
	GetLastSeen(ctx context.Context, agentID string) (time.Time, error)
	SetStatus(ctx context.Context, agentID, status string) error
}

type Locator interface {
	IsConnected(agentID string) bool
}

// StatusReconciler marks agents stopped whose stored status says running
// while no tunnel holds them and their liveness key is gone. It repairs state
// left behind by a backend restart.
type StatusReconciler struct {
	store   StatusStore
	cache   PresenceCache
	tunnels Locator
	logger  *slog.Logger
}

func NewStatusReconciler(store StatusStore, cache PresenceCache, tunnels Locator, logger *slog.Logger) *StatusReconciler {
	return &StatusReconciler{store: store, cache: cache, tunnels: tunnels, logger: logger.With("component", "status-reconciler")}
}

// ReconcileOnce returns the number of agents marked stopped.
func (r *StatusReconciler) ReconcileOnce(ctx context.Context) (int, error) {
	agentIDs, err := r.store.ListAgentIDsByStatus(ctx, models.AgentStatusRunning)
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, agentID := range agentIDs {
		if r.tunnels.IsConnected(agentID) {
			continue
		}
		if r.cache != nil {
			_, err := r.cache.GetLastSeen(ctx, agentID)
			if err == nil {
				continue
			}
			if !cache.IsMiss(err) {
				r.logger.Warn("cache error", "agent_id", agentID, "error", err)
				continue
			}
		}
		if r.markStopped(ctx, agentID) {
			stopped++
		}
	}
	if stopped > 0 {
		r.logger.Info("marked orphaned agents stopped", "count", stopped)
	}
	return stopped, nil
}

// HandleExpired reacts to an expired liveness key.
func (r *StatusReconciler) HandleExpired(ctx context.Context, agentID string) bool {
	if r.tunnels.IsConnected(agentID) {
		return false
	}
	return r.markStopped(ctx, agentID)
}

func (r *StatusReconciler) markStopped(ctx context.Context, agentID string) bool {
	if err := r.store.UpdateAgentStatus(ctx, agentID, models.AgentStatusStopped); err != nil {
		r.logger.Warn("mark stopped failed", "agent_id", agentID, "error", err)
		return false
	}
	if r.cache != nil {
		if err := r.cache.SetStatus(ctx, agentID, models.AgentStatusStopped); err != nil {
			r.logger.Warn("mirror stopped status failed", "agent_id", agentID, "error", err)
		}
	}
	return true
}
