// Package bridge serves the multiplexed named-event websocket used by bridge
// clients and dashboards.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
)

// Session is one websocket peer, either a bridge client or a dashboard.
// Only sessions opened with a tunnel token may act for an agent.
type Session interface {
	ID() string
	OwnerID() string
	Tunnel() bool
	Emit(event string, data any) error
	Close()
}

type AgentLookup interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

type StatusSink interface {
	AgentConnected(ctx context.Context, info models.TunnelInfo, remoteAddr string)
	AgentDisconnected(ctx context.Context, agentID, protocol, reason string)
}

type Options struct {
	MessageTimeout time.Duration
	CommandTimeout time.Duration
}

type registration struct {
	session       Session
	ownerID       string
	connectedAt   time.Time
	lastHeartbeat time.Time
}

type Server struct {
	opts   Options
	agents AgentLookup
	sink   StatusSink
	clock  clockwork.Clock
	logger *slog.Logger

	// ws transport settings, see ws.go
	tokens   AccountResolver
	wsConfig WSConfig

	mu             sync.RWMutex
	sessions       map[string]Session
	registrations  map[string]*registration       // agentID -> holder
	sessionAgents  map[string]map[string]struct{} // sessionID -> agentIDs
	health         map[string]*models.BridgeClientHealth
	watchers       map[string]map[string]Session  // agentID -> sessionID -> watcher
	watching       map[string]map[string]struct{} // sessionID -> agentIDs
	pendingByAgent map[string]map[string]struct{} // agentID -> correlation ids

	pending *pending.Table[json.RawMessage]
}

func NewServer(opts Options, agents AgentLookup, sink StatusSink, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 120 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	return &Server{
		opts:           opts,
		agents:         agents,
		sink:           sink,
		clock:          clock,
		logger:         logger.With("component", "bridge"),
		wsConfig:       defaultWSConfig(),
		sessions:       make(map[string]Session),
		registrations:  make(map[string]*registration),
		sessionAgents:  make(map[string]map[string]struct{}),
		health:         make(map[string]*models.BridgeClientHealth),
		watchers:       make(map[string]map[string]Session),
		watching:       make(map[string]map[string]struct{}),
		pendingByAgent: make(map[string]map[string]struct{}),
		pending:        pending.NewTable[json.RawMessage](clock),
	}
}

func (s *Server) Name() string { return models.ProtocolBridge }

// Connect tracks a freshly opened session.
func (s *Server) Connect(session Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
}

// HandleEnvelope dispatches one inbound envelope.
func (s *Server) HandleEnvelope(ctx context.Context, session Session, raw []byte) {
	var env models.BridgeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("dropping malformed bridge envelope", "session", session.ID(), "error", err)
		return
	}

	switch env.Event {
	case models.EventRegister:
		s.OnRegister(ctx, session, env.Data)
	case models.EventStatus:
		s.OnStatus(session, env.Data)
	case models.EventResponse:
		s.OnResponse(session, env.Data)
	case models.EventCommandResult:
		s.OnCommandResult(session, env.Data)
	case models.EventWatch:
		s.OnWatch(ctx, session, env.Data)
	case models.EventUnwatch:
		s.OnUnwatch(session, env.Data)
	default:
		s.logger.Warn("dropping bridge event of unknown type", "session", session.ID(), "event", env.Event)
	}
}

func (s *Server) emit(session Session, event string, data any) {
	if err := session.Emit(event, data); err != nil {
		s.logger.Debug("bridge emit failed", "session", session.ID(), "event", event, "error", err)
	}
}

// agentSide refuses agent-side events from dashboard sessions.
func (s *Server) agentSide(session Session, event string) bool {
	if session.Tunnel() {
		return true
	}
	s.logger.Warn("agent event from dashboard session refused", "session", session.ID(), "event", event)
	s.emit(session, models.EventError, models.BridgeNotice{Message: "only tunnel sessions may send " + event})
	return false
}

// OnRegister binds an agent to the session after an ownership check. A
// previous holder of the agent is told it was replaced.
func (s *Server) OnRegister(ctx context.Context, session Session, data json.RawMessage) {
	if !s.agentSide(session, models.EventRegister) {
		return
	}
	var req models.BridgeRegister
	if err := json.Unmarshal(data, &req); err != nil || req.AgentID == "" {
		s.emit(session, models.EventError, models.BridgeNotice{Message: "agentId is required"})
		return
	}

	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if err != nil || agent.OwnerID != session.OwnerID() {
		s.logger.Info("bridge registration refused", "agent_id", req.AgentID, "session", session.ID())
		s.emit(session, models.EventError, models.BridgeNotice{Message: "agent not found"})
		return
	}

	now := s.clock.Now()

	s.mu.Lock()
	previous := s.registrations[agent.ID]
	var evicted Session
	var orphaned bool
	var stale []string
	if previous != nil && previous.session.ID() != session.ID() {
		evicted = previous.session
		delete(s.sessionAgents[evicted.ID()], agent.ID)
		orphaned = len(s.sessionAgents[evicted.ID()]) == 0
		stale = s.takePendingLocked(agent.ID)
	}
	s.registrations[agent.ID] = &registration{
		session:       session,
		ownerID:       agent.OwnerID,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	if s.sessionAgents[session.ID()] == nil {
		s.sessionAgents[session.ID()] = make(map[string]struct{})
	}
	s.sessionAgents[session.ID()][agent.ID] = struct{}{}
	if req.Health != nil {
		s.health[agent.ID] = req.Health
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.pending.Reject(id, models.ErrReplaced)
	}
	if evicted != nil {
		s.emit(evicted, models.EventReplaced, models.BridgeNotice{Message: "agent registered from another session"})
		if orphaned {
			evicted.Close()
		}
		s.logger.Info("bridge registration replaced", "agent_id", agent.ID, "previous_session", evicted.ID())
	}

	s.emit(session, models.EventRegistered, models.BridgeRegistered{AgentID: agent.ID})
	s.logger.Info("bridge agent registered", "agent_id", agent.ID, "owner_id", agent.OwnerID, "session", session.ID())

	if previous == nil && s.sink != nil {
		s.sink.AgentConnected(ctx, s.info(agent.ID), remoteAddr(session))
	}
	s.notifyWatchers(agent.ID)
}

// holds reports whether session is the registered holder of agentID.
func (s *Server) holds(session Session, agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg := s.registrations[agentID]
	return reg != nil && reg.session.ID() == session.ID()
}

// OnStatus records a heartbeat and any health it carries.
func (s *Server) OnStatus(session Session, data json.RawMessage) {
	if !s.agentSide(session, models.EventStatus) {
		return
	}
	var st models.BridgeStatus
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("dropping malformed bridge status", "session", session.ID(), "error", err)
		return
	}

	s.mu.Lock()
	reg := s.registrations[st.AgentID]
	if reg == nil || reg.session.ID() != session.ID() {
		s.mu.Unlock()
		s.logger.Debug("status for agent not held by session", "agent_id", st.AgentID, "session", session.ID())
		return
	}
	reg.lastHeartbeat = s.clock.Now()
	if st.Health != nil {
		s.health[st.AgentID] = st.Health
	}
	s.mu.Unlock()

	if st.Health != nil {
		s.notifyWatchers(st.AgentID)
	}
}

// OnResponse completes a pending chat message.
func (s *Server) OnResponse(session Session, data json.RawMessage) {
	if !s.agentSide(session, models.EventResponse) {
		return
	}
	var resp models.BridgeResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.MessageID == "" {
		s.logger.Warn("dropping malformed bridge response", "session", session.ID())
		return
	}
	if !s.holds(session, resp.AgentID) || !s.untrack(resp.AgentID, resp.MessageID) {
		s.logger.Debug("dropping response for unknown request", "agent_id", resp.AgentID, "message_id", resp.MessageID)
		return
	}

	if resp.Error != "" {
		s.pending.Reject(resp.MessageID, &models.RemoteError{Message: resp.Error})
		return
	}
	s.pending.Resolve(resp.MessageID, data)
}

// OnCommandResult completes a pending command and folds any health it
// carries into the cache. Results nobody is waiting for change nothing.
func (s *Server) OnCommandResult(session Session, data json.RawMessage) {
	if !s.agentSide(session, models.EventCommandResult) {
		return
	}
	var res models.BridgeCommandResult
	if err := json.Unmarshal(data, &res); err != nil || res.RequestID == "" {
		s.logger.Warn("dropping malformed command result", "session", session.ID())
		return
	}
	if !s.holds(session, res.AgentID) {
		s.logger.Debug("command result for agent not held by session", "agent_id", res.AgentID)
		return
	}

	if !s.untrack(res.AgentID, res.RequestID) {
		s.logger.Debug("dropping command result for unknown request", "agent_id", res.AgentID, "request_id", res.RequestID)
		return
	}

	if res.Result.Health != nil {
		s.mu.Lock()
		s.health[res.AgentID] = res.Result.Health
		s.mu.Unlock()
		s.notifyWatchers(res.AgentID)
	}
	s.pending.Resolve(res.RequestID, data)
}

// OnWatch subscribes a dashboard session to an agent's bridge health.
func (s *Server) OnWatch(ctx context.Context, session Session, data json.RawMessage) {
	var w models.BridgeWatch
	if err := json.Unmarshal(data, &w); err != nil || w.AgentID == "" {
		s.emit(session, models.EventError, models.BridgeNotice{Message: "agentId is required"})
		return
	}
	agent, err := s.agents.GetAgent(ctx, w.AgentID)
	if err != nil || agent.OwnerID != session.OwnerID() {
		s.emit(session, models.EventError, models.BridgeNotice{Message: "agent not found"})
		return
	}

	s.mu.Lock()
	if s.watchers[w.AgentID] == nil {
		s.watchers[w.AgentID] = make(map[string]Session)
	}
	s.watchers[w.AgentID][session.ID()] = session
	if s.watching[session.ID()] == nil {
		s.watching[session.ID()] = make(map[string]struct{})
	}
	s.watching[session.ID()][w.AgentID] = struct{}{}
	notice := s.noticeLocked(w.AgentID)
	s.mu.Unlock()

	s.emit(session, models.EventHealth, notice)
}

func (s *Server) OnUnwatch(session Session, data json.RawMessage) {
	var w models.BridgeWatch
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[w.AgentID], session.ID())
	if len(s.watchers[w.AgentID]) == 0 {
		delete(s.watchers, w.AgentID)
	}
	delete(s.watching[session.ID()], w.AgentID)
}

// OnDisconnect clears every table entry of the session. Repeated calls for
// the same session are no-ops.
func (s *Server) OnDisconnect(ctx context.Context, session Session) {
	s.mu.Lock()
	if _, ok := s.sessions[session.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, session.ID())

	var gone []string
	var stale []string
	for agentID := range s.sessionAgents[session.ID()] {
		if reg := s.registrations[agentID]; reg != nil && reg.session.ID() == session.ID() {
			delete(s.registrations, agentID)
			delete(s.health, agentID)
			stale = append(stale, s.takePendingLocked(agentID)...)
			gone = append(gone, agentID)
		}
	}
	delete(s.sessionAgents, session.ID())

	for agentID := range s.watching[session.ID()] {
		delete(s.watchers[agentID], session.ID())
		if len(s.watchers[agentID]) == 0 {
			delete(s.watchers, agentID)
		}
	}
	delete(s.watching, session.ID())
	s.mu.Unlock()

	for _, id := range stale {
		s.pending.Reject(id, models.ErrConnectionClosed)
	}
	for _, agentID := range gone {
		s.logger.Info("bridge agent disconnected", "agent_id", agentID, "session", session.ID())
		if s.sink != nil {
			s.sink.AgentDisconnected(ctx, agentID, models.ProtocolBridge, "disconnected")
		}
		s.notifyWatchers(agentID)
	}
}

func (s *Server) track(agentID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingByAgent[agentID] == nil {
		s.pendingByAgent[agentID] = make(map[string]struct{})
	}
	s.pendingByAgent[agentID][id] = struct{}{}
}

func (s *Server) untrack(agentID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pendingByAgent[agentID]
	if _, ok := ids[id]; !ok {
		return false
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.pendingByAgent, agentID)
	}
	return true
}

func (s *Server) takePendingLocked(agentID string) []string {
	ids := make([]string, 0, len(s.pendingByAgent[agentID]))
	for id := range s.pendingByAgent[agentID] {
		ids = append(ids, id)
	}
	delete(s.pendingByAgent, agentID)
	return ids
}

func (s *Server) request(ctx context.Context, agentID, id, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.RLock()
	reg := s.registrations[agentID]
	s.mu.RUnlock()
	if reg == nil {
		return nil, models.ErrNotConnected
	}

	req, err := s.pending.CreateWithID(id, timeout)
	if err != nil {
		return nil, err
	}
	s.track(agentID, id)
	defer s.untrack(agentID, id)

	if err := reg.session.Emit(event, payload); err != nil {
		req.Cancel()
		return nil, fmt.Errorf("emit %s: %w", event, err)
	}
	return req.Wait(ctx)
}

// SendMessage delivers a chat message to the agent and waits for its reply.
// An empty correlationID gets a fresh one.
func (s *Server) SendMessage(ctx context.Context, agentID, correlationID, text string, attachments []models.Attachment) (string, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	raw, err := s.request(ctx, agentID, correlationID, models.EventMessage, models.BridgeMessage{
		AgentID:     agentID,
		MessageID:   correlationID,
		Content:     text,
		Attachments: attachments,
	}, s.opts.MessageTimeout)
	if err != nil {
		return "", err
	}

	var resp models.BridgeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode bridge response: %w", err)
	}
	return resp.Content, nil
}

func (s *Server) SendChat(ctx context.Context, req models.ChatRequest) (string, error) {
	return s.SendMessage(ctx, req.AgentID, "", req.Text, req.Attachments)
}

// SendCommand runs an administrative command on the bridge client.
func (s *Server) SendCommand(ctx context.Context, agentID, command string) (*models.CommandResult, error) {
	id := uuid.NewString()
	raw, err := s.request(ctx, agentID, id, models.EventCommand, models.BridgeCommand{
		Command:   command,
		RequestID: id,
	}, s.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}

	var res models.BridgeCommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return &res.Result, nil
}

func (s *Server) Command(ctx context.Context, agentID, command string) (*models.CommandResult, error) {
	return s.SendCommand(ctx, agentID, command)
}

func (s *Server) Restart(ctx context.Context, agentID string) error {
	res, err := s.SendCommand(ctx, agentID, models.CommandRestart)
	if err != nil {
		return err
	}
	if !res.Success {
		return &models.RemoteError{Message: res.Message}
	}
	return nil
}

// Ping measures a health command round trip.
func (s *Server) Ping(ctx context.Context, agentID string) (time.Duration, error) {
	start := s.clock.Now()
	if _, err := s.SendCommand(ctx, agentID, models.CommandHealth); err != nil {
		return 0, err
	}
	return s.clock.Since(start), nil
}

// Health returns the cached bridge client health and whether the agent is
// registered.
func (s *Server) Health(agentID string) (*models.BridgeClientHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, connected := s.registrations[agentID]
	return s.health[agentID], connected
}

func (s *Server) IsConnected(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registrations[agentID]
	return ok
}

func (s *Server) info(agentID string) models.TunnelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked(agentID, s.registrations[agentID])
}

func (s *Server) infoLocked(agentID string, reg *registration) models.TunnelInfo {
	info := models.TunnelInfo{AgentID: agentID, Protocol: models.ProtocolBridge}
	if reg != nil {
		info.OwnerID = reg.ownerID
		info.ConnectedAt = reg.connectedAt
		info.LastHeartbeat = reg.lastHeartbeat
	}
	return info
}

func (s *Server) ConnectedAgents(ownerID string) []models.TunnelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TunnelInfo, 0, len(s.registrations))
	for agentID, reg := range s.registrations {
		if ownerID != "" && reg.ownerID != ownerID {
			continue
		}
		out = append(out, s.infoLocked(agentID, reg))
	}
	return out
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registrations)
}

// Broadcast emits event to every session of ownerID.
func (s *Server) Broadcast(ownerID, event string, data any) int {
	s.mu.RLock()
	targets := make([]Session, 0)
	for _, session := range s.sessions {
		if session.OwnerID() == ownerID {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, session := range targets {
		if err := session.Emit(event, data); err == nil {
			sent++
		}
	}
	return sent
}

func (s *Server) noticeLocked(agentID string) models.BridgeHealthNotice {
	_, connected := s.registrations[agentID]
	return models.BridgeHealthNotice{
		AgentID:   agentID,
		Connected: connected,
		Health:    s.health[agentID],
	}
}

func (s *Server) notifyWatchers(agentID string) {
	s.mu.RLock()
	notice := s.noticeLocked(agentID)
	targets := make([]Session, 0, len(s.watchers[agentID]))
	for _, w := range s.watchers[agentID] {
		targets = append(targets, w)
	}
	s.mu.RUnlock()

	for _, w := range targets {
		s.emit(w, models.EventHealth, notice)
	}
}

func remoteAddr(session Session) string {
	if ra, ok := session.(interface{ RemoteAddr() string }); ok {
		return ra.RemoteAddr()
	}
	return ""
}
