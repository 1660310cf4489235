// Package relay serves the dedicated per-agent websocket tunnel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
)

type AgentLookup interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

type TokenVerifier interface {
	ParseTunnelToken(token string) (string, error)
}

// StatusSink is told when tunnels come and go so the visible agent status can
// follow.
type StatusSink interface {
	AgentConnected(ctx context.Context, info models.TunnelInfo, remoteAddr string)
	AgentDisconnected(ctx context.Context, agentID, protocol, reason string)
}

type Options struct {
	ChatTimeout    time.Duration
	RequestTimeout time.Duration
	StaleAfter     time.Duration
	AuthGrace      time.Duration
	MaxFrameBytes  int64
}

// HandshakeError carries the close code a failed handshake ends with.
type HandshakeError struct {
	Code   int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%d): %s", e.Code, e.Reason)
}

type Server struct {
	opts   Options
	tokens TokenVerifier
	agents AgentLookup
	sink   StatusSink
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewServer(opts Options, tokens TokenVerifier, agents AgentLookup, sink StatusSink, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 60 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 90 * time.Second
	}
	if opts.AuthGrace <= 0 {
		opts.AuthGrace = 10 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 5 * 1024 * 1024
	}
	return &Server{
		opts:   opts,
		tokens: tokens,
		agents: agents,
		sink:   sink,
		clock:  clock,
		logger: logger.With("component", "relay"),
		conns:  make(map[string]*Conn),
	}
}

func (s *Server) Name() string { return models.ProtocolRelay }

// Authenticate verifies a tunnel token and confirms the caller owns agentID.
func (s *Server) Authenticate(ctx context.Context, token, agentID string) (*models.Agent, error) {
	if token == "" {
		return nil, &HandshakeError{Code: CloseMissingToken, Reason: "missing token"}
	}
	if agentID == "" {
		return nil, &HandshakeError{Code: CloseMalformedAuth, Reason: "missing agentId"}
	}

	accountID, err := s.tokens.ParseTunnelToken(token)
	if err != nil {
		return nil, &HandshakeError{Code: CloseInvalidToken, Reason: "invalid or expired token"}
	}

	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil || agent.OwnerID != accountID {
		return nil, &HandshakeError{Code: CloseAgentNotFound, Reason: "agent not found"}
	}
	return agent, nil
}

// Register makes transport the tunnel for agent, evicting any previous one.
func (s *Server) Register(ctx context.Context, agent *models.Agent, transport Transport) *Conn {
	now := s.clock.Now()
	conn := &Conn{
		AgentID:       agent.ID,
		OwnerID:       agent.OwnerID,
		ConnectedAt:   now,
		transport:     transport,
		pending:       pending.NewTable[json.RawMessage](s.clock),
		lastHeartbeat: now,
	}

	s.mu.Lock()
	previous := s.conns[agent.ID]
	s.conns[agent.ID] = conn
	total := len(s.conns)
	s.mu.Unlock()

	// the evicted socket may be slow to drain; never write to it under s.mu
	if previous != nil {
		if err := previous.send(models.FrameReplaced, "", models.RelayErrorPayload{Message: "replaced by a newer connection"}); err != nil {
			s.logger.Debug("replaced notice not delivered", "agent_id", agent.ID, "error", err)
		}
		previous.shutdown(CloseReplaced, "replaced", models.ErrReplaced)
		s.logger.Info("relay tunnel replaced", "agent_id", agent.ID)
	}

	if err := conn.send(models.FrameConnected, "", map[string]string{"agentId": agent.ID}); err != nil {
		s.logger.Warn("failed to send connected frame", "agent_id", agent.ID, "error", err)
	}

	s.logger.Info("relay tunnel registered", "agent_id", agent.ID, "owner_id", agent.OwnerID, "total", total)
	if s.sink != nil {
		s.sink.AgentConnected(ctx, conn.info(), transport.RemoteAddr())
	}
	return conn
}

// Unregister removes conn if it is still the agent's live tunnel and fails
// its pending requests.
func (s *Server) Unregister(ctx context.Context, conn *Conn, reason string) {
	s.mu.Lock()
	current := s.conns[conn.AgentID] == conn
	if current {
		delete(s.conns, conn.AgentID)
	}
	s.mu.Unlock()

	conn.shutdown(websocket.CloseNormalClosure, reason, models.ErrConnectionClosed)

	if !current {
		return
	}
	s.logger.Info("relay tunnel closed", "agent_id", conn.AgentID, "reason", reason)
	if s.sink != nil {
		s.sink.AgentDisconnected(ctx, conn.AgentID, models.ProtocolRelay, reason)
	}
}

// HandleFrame processes one inbound frame from conn.
func (s *Server) HandleFrame(conn *Conn, data []byte) {
	var frame models.RelayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("dropping malformed relay frame", "agent_id", conn.AgentID, "error", err)
		return
	}

	conn.touch(s.clock.Now())

	switch frame.Type {
	case models.FramePing:
		if err := conn.send(models.FramePong, frame.ID, nil); err != nil {
			s.logger.Debug("pong not delivered", "agent_id", conn.AgentID, "error", err)
		}
	case models.FramePong, models.FrameChatResponse, models.FrameStatusResponse, models.FrameAck:
		if frame.ID == "" {
			return
		}
		if !conn.pending.Resolve(frame.ID, frame.Payload) {
			s.logger.Debug("dropping response for unknown request", "agent_id", conn.AgentID, "id", frame.ID, "type", frame.Type)
		}
	case models.FrameError:
		var payload models.RelayErrorPayload
		_ = json.Unmarshal(frame.Payload, &payload)
		if payload.Message == "" {
			payload.Message = "agent reported an error"
		}
		if frame.ID == "" || !conn.pending.Reject(frame.ID, &models.RemoteError{Message: payload.Message}) {
			s.logger.Warn("agent error without pending request", "agent_id", conn.AgentID, "id", frame.ID, "message", payload.Message)
		}
	default:
		s.logger.Warn("dropping relay frame of unknown type", "agent_id", conn.AgentID, "type", frame.Type)
	}
}

func (s *Server) conn(agentID string) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[agentID]
}

// Request sends a typed frame and waits for its correlated response.
func (s *Server) Request(ctx context.Context, agentID, frameType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	conn := s.conn(agentID)
	if conn == nil {
		return nil, models.ErrNotConnected
	}

	req := conn.pending.Create(timeout)
	if err := conn.send(frameType, req.ID, payload); err != nil {
		req.Cancel()
		return nil, fmt.Errorf("send %s frame: %w", frameType, err)
	}
	return req.Wait(ctx)
}

// SendChatMessage forwards a chat message and returns the agent's reply text.
func (s *Server) SendChatMessage(ctx context.Context, agentID, text string, attachments []models.Attachment) (string, error) {
	raw, err := s.Request(ctx, agentID, models.FrameChat, models.RelayChatPayload{
		Text:        text,
		Attachments: attachments,
	}, s.opts.ChatTimeout)
	if err != nil {
		return "", err
	}

	var resp models.RelayChatResponsePayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return resp.Text, nil
}

func (s *Server) SendChat(ctx context.Context, req models.ChatRequest) (string, error) {
	return s.SendChatMessage(ctx, req.AgentID, req.Text, req.Attachments)
}

// Status asks the agent for its self-reported status document.
func (s *Server) Status(ctx context.Context, agentID string) (json.RawMessage, error) {
	return s.Request(ctx, agentID, models.FrameStatus, nil, s.opts.RequestTimeout)
}

func (s *Server) Restart(ctx context.Context, agentID string) error {
	_, err := s.Request(ctx, agentID, models.FrameRestart, nil, s.opts.RequestTimeout)
	return err
}

// Ping measures the round trip of a ping frame.
func (s *Server) Ping(ctx context.Context, agentID string) (time.Duration, error) {
	start := s.clock.Now()
	if _, err := s.Request(ctx, agentID, models.FramePing, nil, s.opts.RequestTimeout); err != nil {
		return 0, err
	}
	return s.clock.Since(start), nil
}

// Command maps administrative commands onto relay frames.
func (s *Server) Command(ctx context.Context, agentID, command string) (*models.CommandResult, error) {
	switch command {
	case models.CommandStatus, models.CommandHealth:
		raw, err := s.Status(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return &models.CommandResult{Success: true, Output: string(raw)}, nil
	case models.CommandRestart:
		if err := s.Restart(ctx, agentID); err != nil {
			return nil, err
		}
		return &models.CommandResult{Success: true, Message: "restart acknowledged"}, nil
	case "ping":
		rtt, err := s.Ping(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return &models.CommandResult{Success: true, Message: fmt.Sprintf("pong in %dms", rtt.Milliseconds())}, nil
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedCommand, command)
	}
}

// Sweep terminates tunnels that have been silent longer than the stale
// threshold and pings the rest. It does not rely on the transport reporting
// a close.
func (s *Server) Sweep(ctx context.Context) int {
	now := s.clock.Now()

	var stale, live []*Conn
	s.mu.Lock()
	for id, conn := range s.conns {
		if now.Sub(conn.LastHeartbeat()) > s.opts.StaleAfter {
			delete(s.conns, id)
			stale = append(stale, conn)
			continue
		}
		live = append(live, conn)
	}
	s.mu.Unlock()

	for _, conn := range stale {
		s.logger.Warn("terminating stale relay tunnel", "agent_id", conn.AgentID, "last_heartbeat", conn.LastHeartbeat())
		conn.shutdown(websocket.CloseGoingAway, "stale", models.ErrConnectionClosed)
		if s.sink != nil {
			s.sink.AgentDisconnected(ctx, conn.AgentID, models.ProtocolRelay, "stale")
		}
	}
	for _, conn := range live {
		if err := conn.send(models.FramePing, "", nil); err != nil {
			s.logger.Debug("keepalive ping failed", "agent_id", conn.AgentID, "error", err)
		}
	}
	return len(stale)
}

func (s *Server) IsConnected(agentID string) bool {
	return s.conn(agentID) != nil
}

// ConnectedAgents lists live tunnels, restricted to ownerID unless it is
// empty.
func (s *Server) ConnectedAgents(ownerID string) []models.TunnelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TunnelInfo, 0, len(s.conns))
	for _, conn := range s.conns {
		if ownerID != "" && conn.OwnerID != ownerID {
			continue
		}
		out = append(out, conn.info())
	}
	return out
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast sends an unsolicited frame to every tunnel of ownerID.
func (s *Server) Broadcast(ownerID, frameType string, payload any) int {
	s.mu.RLock()
	targets := make([]*Conn, 0)
	for _, conn := range s.conns {
		if conn.OwnerID == ownerID {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.send(frameType, "", payload); err != nil {
			s.logger.Debug("broadcast not delivered", "agent_id", conn.AgentID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func handshakeCode(err error) (int, string) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Code, he.Reason
	}
	return CloseInvalidToken, "authentication failed"
}
