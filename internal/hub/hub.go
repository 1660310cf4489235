// Package hub hides which tunnel protocol an agent is reachable through.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"agentbridge-backend/internal/models"
)

// Tunnel is one protocol's connection registry.
type Tunnel interface {
	Name() string
	IsConnected(agentID string) bool
	SendChat(ctx context.Context, req models.ChatRequest) (string, error)
	Command(ctx context.Context, agentID, command string) (*models.CommandResult, error)
	Restart(ctx context.Context, agentID string) error
	Ping(ctx context.Context, agentID string) (time.Duration, error)
	Broadcast(ownerID, event string, data any) int
	ConnectedAgents(ownerID string) []models.TunnelInfo
	Count() int
}

type Hub struct {
	tunnels []Tunnel
	logger  *slog.Logger
}

// NewHub consults tunnels in the given order; the first one holding an agent
// wins.
func NewHub(logger *slog.Logger, tunnels ...Tunnel) *Hub {
	return &Hub{
		tunnels: tunnels,
		logger:  logger.With("component", "hub"),
	}
}

func (h *Hub) tunnelFor(agentID string) Tunnel {
	for _, t := range h.tunnels {
		if t.IsConnected(agentID) {
			return t
		}
	}
	return nil
}

func (h *Hub) IsConnected(agentID string) bool {
	return h.tunnelFor(agentID) != nil
}

// Protocol returns the protocol holding agentID, or "" when none does.
func (h *Hub) Protocol(agentID string) string {
	if t := h.tunnelFor(agentID); t != nil {
		return t.Name()
	}
	return ""
}

func (h *Hub) Send(ctx context.Context, req models.ChatRequest) (string, error) {
	t := h.tunnelFor(req.AgentID)
	if t == nil {
		return "", models.ErrNotConnected
	}
	h.logger.Debug("routing chat", "agent_id", req.AgentID, "protocol", t.Name())
	return t.SendChat(ctx, req)
}

func (h *Hub) Command(ctx context.Context, agentID, command string) (*models.CommandResult, error) {
	t := h.tunnelFor(agentID)
	if t == nil {
		return nil, models.ErrNotConnected
	}
	return t.Command(ctx, agentID, command)
}

func (h *Hub) Restart(ctx context.Context, agentID string) error {
	t := h.tunnelFor(agentID)
	if t == nil {
		return models.ErrNotConnected
	}
	return t.Restart(ctx, agentID)
}

func (h *Hub) Ping(ctx context.Context, agentID string) (time.Duration, error) {
	t := h.tunnelFor(agentID)
	if t == nil {
		return 0, models.ErrNotConnected
	}
	return t.Ping(ctx, agentID)
}

// BroadcastToOwner delivers an event to every connection of ownerID on every
// tunnel and returns how many received it.
func (h *Hub) BroadcastToOwner(ownerID, event string, data any) int {
	sent := 0
	for _, t := range h.tunnels {
		sent += t.Broadcast(ownerID, event, data)
	}
	h.logger.Debug("broadcast", "owner_id", ownerID, "event", event, "delivered", sent)
	return sent
}

// ConnectedAgents lists live tunnels for ownerID, or all of them when ownerID
// is empty, oldest first.
func (h *Hub) ConnectedAgents(ownerID string) []models.TunnelInfo {
	var out []models.TunnelInfo
	for _, t := range h.tunnels {
		out = append(out, t.ConnectedAgents(ownerID)...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Info returns the live tunnel of agentID.
func (h *Hub) Info(agentID string) (models.TunnelInfo, bool) {
	for _, t := range h.tunnels {
		if !t.IsConnected(agentID) {
			continue
		}
		for _, info := range t.ConnectedAgents("") {
			if info.AgentID == agentID {
				return info, true
			}
		}
	}
	return models.TunnelInfo{}, false
}

func (h *Hub) Stats() models.TunnelStats {
	stats := models.TunnelStats{ByProtocol: make(map[string]int, len(h.tunnels))}
	for _, t := range h.tunnels {
		n := t.Count()
		stats.ByProtocol[t.Name()] = n
		stats.Total += n
	}
	return stats
}
