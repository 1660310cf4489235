package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/auth"
	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
	"agentbridge-backend/internal/storage"
)

type AgentStore interface {
	GetOwnedAgent(ctx context.Context, ownerID, id string) (*models.Agent, error)
	RecordChatMessage(ctx context.Context, agentID, source, errMsg string, latency time.Duration) error
	ListAlerts(ctx context.Context, agentID string, limit int) ([]models.Alert, error)
	ListTunnelConnections(ctx context.Context, agentID string, limit int) ([]models.TunnelConnectionLog, error)
}

type Dispatcher interface {
	SendChat(ctx context.Context, agent *models.Agent, req models.ChatRequest) (*models.ChatReply, error)
}

type Tunnels interface {
	ConnectedAgents(ownerID string) []models.TunnelInfo
	Info(agentID string) (models.TunnelInfo, bool)
	Command(ctx context.Context, agentID, command string) (*models.CommandResult, error)
	BroadcastToOwner(ownerID, event string, data any) int
}

type HealthView interface {
	LastRecord(agentID string) (models.HealthRecord, bool)
	RestartRecord(agentID string) (models.RestartRecord, bool)
	ResetRestarts(agentID string) bool
}

// HealthFeed delivers live health events of one owner.
type HealthFeed interface {
	SubscribeHealth(ownerID, agentID string, fn func(models.HealthEvent)) (func(), error)
}

type Handler struct {
	store      AgentStore
	dispatcher Dispatcher
	tunnels    Tunnels
	health     HealthView
	feed       HealthFeed
	clock      clockwork.Clock
	keepalive  time.Duration
	logger     *slog.Logger
}

type Deps struct {
	Store      AgentStore
	Dispatcher Dispatcher
	Tunnels    Tunnels
	Health     HealthView
	Feed       HealthFeed
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// StreamKeepalive is the heartbeat period of the health stream.
	StreamKeepalive time.Duration
}

func New(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.StreamKeepalive <= 0 {
		deps.StreamKeepalive = 30 * time.Second
	}
	return &Handler{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		tunnels:    deps.Tunnels,
		health:     deps.Health,
		feed:       deps.Feed,
		clock:      deps.Clock,
		keepalive:  deps.StreamKeepalive,
		logger:     deps.Logger.With("component", "api"),
	}
}

// RegisterRoutes mounts the authenticated API. The caller installs the auth
// middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Tunnels
	r.Get("/v1/tunnel/status", h.TunnelStatus)
	r.Get("/v1/tunnel/status/{agentId}", h.AgentTunnelStatus)
	r.Get("/v1/tunnel/stats", h.TunnelStats)
	r.Post("/v1/tunnel/broadcast", h.Broadcast)

	// Agents
	r.Post("/v1/agents/{id}/chat", h.Chat)
	r.Post("/v1/agents/{id}/commands", h.Command)
	r.Get("/v1/agents/{id}/health", h.AgentHealth)
	r.Get("/v1/agents/{id}/alerts", h.AgentAlerts)
	r.Get("/v1/agents/{id}/connections", h.AgentConnections)
	r.Delete("/v1/agents/{id}/restarts", h.ResetRestarts)

	// Health
	r.Get("/v1/health/stream", h.HealthStream)
}

var commands = []string{
	models.CommandHealth,
	models.CommandStatus,
	models.CommandStart,
	models.CommandStop,
	models.CommandRestart,
	models.CommandInstall,
}

// ownedAgent loads the agent named by the URL parameter, writing 404 when it
// does not exist or belongs to someone else.
func (h *Handler) ownedAgent(w http.ResponseWriter, r *http.Request, param string) (*models.Agent, string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, "", false
	}
	agent, err := h.store.GetOwnedAgent(r.Context(), userID, chi.URLParam(r, param))
	if err != nil {
		httpError(w, err)
		return nil, "", false
	}
	return agent, userID, true
}

// TunnelStatus lists the caller's live tunnels
// @Summary List live tunnels
// @Tags tunnel
// @Produce json
// @Security BearerAuth
// @Router /v1/tunnel/status [get]
func (h *Handler) TunnelStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	agents := h.tunnels.ConnectedAgents(userID)
	if agents == nil {
		agents = []models.TunnelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// AgentTunnelStatus reports whether one agent is reachable
// @Summary Tunnel status of an agent
// @Tags tunnel
// @Produce json
// @Param agentId path string true "Agent ID"
// @Security BearerAuth
// @Router /v1/tunnel/status/{agentId} [get]
func (h *Handler) AgentTunnelStatus(w http.ResponseWriter, r *http.Request) {
	agent, _, ok := h.ownedAgent(w, r, "agentId")
	if !ok {
		return
	}
	resp := map[string]any{"agent_id": agent.ID, "connected": false}
	if info, connected := h.tunnels.Info(agent.ID); connected {
		resp["connected"] = true
		resp["protocol"] = info.Protocol
		resp["connected_at"] = info.ConnectedAt
		resp["last_heartbeat"] = info.LastHeartbeat
	}
	writeJSON(w, http.StatusOK, resp)
}

// TunnelStats counts the caller's live tunnels per protocol
// @Summary Tunnel statistics
// @Tags tunnel
// @Produce json
// @Security BearerAuth
// @Router /v1/tunnel/stats [get]
func (h *Handler) TunnelStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	stats := models.TunnelStats{ByProtocol: map[string]int{
		models.ProtocolRelay:  0,
		models.ProtocolBridge: 0,
	}}
	for _, info := range h.tunnels.ConnectedAgents(userID) {
		stats.ByProtocol[info.Protocol]++
		stats.Total++
	}
	writeJSON(w, http.StatusOK, stats)
}

type broadcastRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Broadcast pushes an event to every live tunnel of the caller
// @Summary Broadcast to own agents
// @Tags tunnel
// @Accept json
// @Produce json
// @Security BearerAuth
// @Router /v1/tunnel/broadcast [post]
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Event == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	delivered := h.tunnels.BroadcastToOwner(userID, req.Event, req.Data)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

type chatRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// Chat sends a message through the dispatch chain
// @Summary Chat with an agent
// @Tags agents
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Security BearerAuth
// @Router /v1/agents/{id}/chat [post]
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	agent, userID, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		http.Error(w, "Message text required", http.StatusBadRequest)
		return
	}

	start := h.clock.Now()
	reply, err := h.dispatcher.SendChat(r.Context(), agent, models.ChatRequest{
		AgentID:     agent.ID,
		OwnerID:     userID,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	latency := h.clock.Since(start)

	source, errMsg := "error", ""
	if err != nil {
		errMsg = err.Error()
	} else {
		source = reply.Source
	}
	// Recording must survive the caller going away.
	if recErr := h.store.RecordChatMessage(context.WithoutCancel(r.Context()), agent.ID, source, errMsg, latency); recErr != nil {
		h.logger.Warn("failed to record chat message", "agent_id", agent.ID, "error", recErr)
	}

	if err != nil {
		h.logger.Info("chat failed", "agent_id", agent.ID, "error", err, "latency", latency)
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type commandRequest struct {
	Command string `json:"command"`
}

// Command runs an administrative command on the agent's tunnel
// @Summary Run agent command
// @Tags agents
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Security BearerAuth
// @Router /v1/agents/{id}/commands [post]
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	agent, _, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !slices.Contains(commands, req.Command) {
		http.Error(w, "Unknown command", http.StatusBadRequest)
		return
	}

	result, err := h.tunnels.Command(r.Context(), agent.ID, req.Command)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AgentHealth returns the latest health check and restart state
// @Summary Agent health
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Security BearerAuth
// @Router /v1/agents/{id}/health [get]
func (h *Handler) AgentHealth(w http.ResponseWriter, r *http.Request) {
	agent, _, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	resp := map[string]any{"agent_id": agent.ID, "record": nil, "restarts": nil}
	if rec, found := h.health.LastRecord(agent.ID); found {
		resp["record"] = rec
	}
	if rr, found := h.health.RestartRecord(agent.ID); found {
		resp["restarts"] = rr
	}
	writeJSON(w, http.StatusOK, resp)
}

// AgentAlerts lists persisted alerts, newest first
// @Summary Agent alerts
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Param limit query int false "Max rows"
// @Security BearerAuth
// @Router /v1/agents/{id}/alerts [get]
func (h *Handler) AgentAlerts(w http.ResponseWriter, r *http.Request) {
	agent, _, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := h.store.ListAlerts(r.Context(), agent.ID, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// AgentConnections lists the tunnel connection history of an agent
// @Summary Tunnel connection history
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Param limit query int false "Max rows"
// @Security BearerAuth
// @Router /v1/agents/{id}/connections [get]
func (h *Handler) AgentConnections(w http.ResponseWriter, r *http.Request) {
	agent, _, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conns, err := h.store.ListTunnelConnections(r.Context(), agent.ID, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// ResetRestarts clears the auto-restart circuit breaker
// @Summary Reset auto-restart state
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Security BearerAuth
// @Router /v1/agents/{id}/restarts [delete]
func (h *Handler) ResetRestarts(w http.ResponseWriter, r *http.Request) {
	agent, userID, ok := h.ownedAgent(w, r, "id")
	if !ok {
		return
	}
	cleared := h.health.ResetRestarts(agent.ID)
	h.logger.Info("restart state reset", "agent_id", agent.ID, "user_id", userID, "cleared", cleared)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	var remote *models.RemoteError
	switch {
	case errors.Is(err, storage.ErrAgentNotFound):
		http.Error(w, "Agent not found", http.StatusNotFound)
	case errors.Is(err, models.ErrNotConnected):
		http.Error(w, "Agent is not connected", http.StatusNotFound)
	case errors.Is(err, pending.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request timed out", http.StatusGatewayTimeout)
	case errors.As(err, &remote):
		http.Error(w, remote.Message, http.StatusBadGateway)
	case errors.Is(err, models.ErrUnsupportedCommand):
		http.Error(w, "Command not supported by this agent", http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
