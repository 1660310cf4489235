// Package bridgeclient runs beside an agent runtime, keeps the outbound bridge
// tunnel to the backend open and proxies chat and commands to the runtime.
package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/models"
)

var (
	ErrRegistrationRefused = errors.New("registration refused")
	ErrReplaced            = errors.New("replaced by another bridge client")
	ErrUnauthorized        = errors.New("bridge token rejected")
)

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second
	wakeWait  = 5 * time.Second
)

// Terminal reports whether err ends Run instead of triggering a reconnect.
func Terminal(err error) bool {
	return errors.Is(err, ErrRegistrationRefused) || errors.Is(err, ErrReplaced) || errors.Is(err, ErrUnauthorized)
}

type Chatter interface {
	Chat(ctx context.Context, agentID, text string, attachments []models.Attachment) (string, error)
	Wake(ctx context.Context, text string)
}

type Runtime interface {
	Detect(ctx context.Context) models.BridgeClientHealth
	Execute(ctx context.Context, command string) models.CommandResult
}

type Options struct {
	ServerURL         string
	Token             string
	AgentID           string
	ChatTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
}

type Client struct {
	opts    Options
	gateway Chatter
	runtime Runtime
	clock   clockwork.Clock
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func New(opts Options, gateway Chatter, runtime Runtime, clock clockwork.Clock, logger *slog.Logger) *Client {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 110 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	return &Client{
		opts:    opts,
		gateway: gateway,
		runtime: runtime,
		clock:   clock,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:  logger.With("component", "bridge-client", "agent_id", opts.AgentID),
	}
}

// Run keeps the tunnel open until ctx ends or the backend refuses or replaces
// this client.
func (c *Client) Run(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.opts.ReconnectInitial
	expBackoff.MaxInterval = c.opts.ReconnectMax
	expBackoff.Reset()

	attempt := 0
	for {
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Terminal(err) {
			c.logger.Error("bridge stopped", "error", err)
			return err
		}
		if registered {
			expBackoff.Reset()
			attempt = 0
		}
		attempt++

		delay := expBackoff.NextBackOff()
		c.logger.Warn("bridge disconnected, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(models.BridgeEnvelope{Event: event, Data: raw})
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runOnce serves one connection. registered reports whether the backend
// accepted the registration before the connection ended.
func (c *Client) runOnce(ctx context.Context) (registered bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s := &session{conn: conn}
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	health := c.runtime.Detect(ctx)
	if err := s.emit(models.EventRegister, models.BridgeRegister{AgentID: c.opts.AgentID, Health: &health}); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return registered, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var env models.BridgeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed envelope", "error", err)
			continue
		}

		switch env.Event {
		case models.EventRegistered:
			if !registered {
				registered = true
				c.logger.Info("bridge registered")
				go c.heartbeat(ctx, s)
			}

		case models.EventError:
			var notice models.BridgeNotice
			_ = json.Unmarshal(env.Data, &notice)
			if !registered {
				return false, fmt.Errorf("%w: %s", ErrRegistrationRefused, notice.Message)
			}
			c.logger.Warn("bridge error", "message", notice.Message)

		case models.EventReplaced:
			var notice models.BridgeNotice
			_ = json.Unmarshal(env.Data, &notice)
			return registered, fmt.Errorf("%w: %s", ErrReplaced, notice.Message)

		case models.EventMessage:
			go c.handleMessage(ctx, s, env.Data)

		case models.EventCommand:
			go c.handleCommand(ctx, s, env.Data)

		default:
			c.logger.Debug("ignoring event", "event", env.Event)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, s *session) {
	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			health := c.runtime.Detect(ctx)
			if err := s.emit(models.EventStatus, models.BridgeStatus{AgentID: c.opts.AgentID, Health: &health}); err != nil {
				c.logger.Debug("heartbeat not sent", "error", err)
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, s *session, data json.RawMessage) {
	var msg models.BridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.MessageID == "" {
		c.logger.Warn("malformed message", "error", err)
		return
	}
	agentID := msg.AgentID
	if agentID == "" {
		agentID = c.opts.AgentID
	}

	chatCtx, cancel := context.WithTimeout(ctx, c.opts.ChatTimeout)
	reply, err := c.gateway.Chat(chatCtx, agentID, msg.Content, msg.Attachments)
	cancel()

	resp := models.BridgeResponse{AgentID: agentID, MessageID: msg.MessageID, Content: reply}
	if err != nil {
		c.logger.Warn("gateway chat failed", "message_id", msg.MessageID, "error", err)
		wakeCtx, cancel := context.WithTimeout(ctx, wakeWait)
		c.gateway.Wake(wakeCtx, msg.Content)
		cancel()
		resp.Content = ""
		resp.Error = fmt.Sprintf("the agent gateway did not answer (%v); a wake request was sent, try again shortly", err)
	}

	if err := s.emit(models.EventResponse, resp); err != nil {
		c.logger.Warn("response not delivered", "message_id", msg.MessageID, "error", err)
	}
}

func (c *Client) handleCommand(ctx context.Context, s *session, data json.RawMessage) {
	var cmd models.BridgeCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.RequestID == "" {
		c.logger.Warn("malformed command", "error", err)
		return
	}

	c.logger.Info("command received", "command", cmd.Command, "request_id", cmd.RequestID)
	result := c.runtime.Execute(ctx, cmd.Command)

	if err := s.emit(models.EventCommandResult, models.BridgeCommandResult{
		RequestID: cmd.RequestID,
		AgentID:   c.opts.AgentID,
		Command:   cmd.Command,
		Result:    result,
	}); err != nil {
		c.logger.Warn("command result not delivered", "request_id", cmd.RequestID, "error", err)
	}
}
