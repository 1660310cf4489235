// Package presence keeps the visible agent status in step with live tunnels.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/models"
)

type Store interface {
	UpdateAgentStatus(ctx context.Context, id, status string) error
	RecordTunnelConnection(ctx context.Context, conn models.TunnelConnectionLog) error
	RecordTunnelDisconnect(ctx context.Context, agentID, protocol, reason string) error
}

// Cache mirrors status and liveness into Redis.
type Cache interface {
	SetLastSeen(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error
	ClearLastSeen(ctx context.Context, agentID string) error
	SetStatus(ctx context.Context, agentID, status string) error
}

// Locator tells whether any tunnel still holds an agent.
type Locator interface {
	IsConnected(agentID string) bool
}

// Service implements the tunnel status sink: connects mark the agent running,
// the last disconnect across all protocols marks it stopped.
type Service struct {
	store   Store
	cache   Cache
	locator Locator
	clock   clockwork.Clock
	ttl     time.Duration
	logger  *slog.Logger
}

// NewService builds the sink. cache may be nil.
func NewService(store Store, cache Cache, clock clockwork.Clock, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		clock:  clock,
		ttl:    ttl,
		logger: logger.With("component", "presence"),
	}
}

// SetLocator wires the registry once it exists. The registry is built from the
// tunnel servers, which need the sink first.
func (s *Service) SetLocator(l Locator) {
	s.locator = l
}

func (s *Service) AgentConnected(ctx context.Context, info models.TunnelInfo, remoteAddr string) {
	if err := s.store.UpdateAgentStatus(ctx, info.AgentID, models.AgentStatusRunning); err != nil {
		s.logger.Warn("failed to mark agent running", "agent_id", info.AgentID, "error", err)
	}
	if err := s.store.RecordTunnelConnection(ctx, models.TunnelConnectionLog{
		AgentID:     info.AgentID,
		Protocol:    info.Protocol,
		RemoteAddr:  remoteAddr,
		ConnectedAt: info.ConnectedAt,
	}); err != nil {
		s.logger.Warn("failed to record tunnel connection", "agent_id", info.AgentID, "error", err)
	}
	s.mirror(ctx, info.AgentID, models.AgentStatusRunning)
}

func (s *Service) AgentDisconnected(ctx context.Context, agentID, protocol, reason string) {
	if err := s.store.RecordTunnelDisconnect(ctx, agentID, protocol, reason); err != nil {
		s.logger.Warn("failed to record tunnel disconnect", "agent_id", agentID, "error", err)
	}
	if s.locator != nil && s.locator.IsConnected(agentID) {
		s.logger.Debug("agent still reachable over another tunnel", "agent_id", agentID, "closed", protocol)
		return
	}
	if err := s.store.UpdateAgentStatus(ctx, agentID, models.AgentStatusStopped); err != nil {
		s.logger.Warn("failed to mark agent stopped", "agent_id", agentID, "error", err)
	}
	s.mirror(ctx, agentID, models.AgentStatusStopped)
}

// Touch refreshes the liveness key of every live tunnel.
func (s *Service) Touch(ctx context.Context, agents []models.TunnelInfo) {
	if s.cache == nil {
		return
	}
	now := s.clock.Now()
	for _, info := range agents {
		if err := s.cache.SetLastSeen(ctx, info.AgentID, now, s.ttl); err != nil {
			s.logger.Warn("failed to refresh last seen", "agent_id", info.AgentID, "error", err)
			return
		}
	}
}

func (s *Service) mirror(ctx context.Context, agentID, status string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, agentID, status); err != nil {
		s.logger.Warn("failed to mirror status", "agent_id", agentID, "error", err)
	}
	var err error
	if status == models.AgentStatusRunning {
		err = s.cache.SetLastSeen(ctx, agentID, s.clock.Now(), s.ttl)
	} else {
		err = s.cache.ClearLastSeen(ctx, agentID)
	}
	if err != nil {
		s.logger.Warn("failed to update last seen", "agent_id", agentID, "error", err)
	}
}
