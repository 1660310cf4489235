// Command relay-agent is a minimal agent speaking the relay tunnel protocol.
// It echoes chat messages back and is used to exercise a running backend by
// hand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
)

type options struct {
	server    string
	token     string
	agentID   string
	prefix    string
	keepalive time.Duration
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{
		server:    envOr("RELAY_SERVER_URL", "ws://localhost:8080/tunnel/relay"),
		token:     os.Getenv("RELAY_TOKEN"),
		agentID:   os.Getenv("RELAY_AGENT_ID"),
		prefix:    "echo: ",
		keepalive: 30 * time.Second,
		logLevel:  "info",
	}

	cmd := &cobra.Command{
		Use:          "relay-agent",
		Short:        "Run an echo agent over the relay tunnel.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" || opts.agentID == "" {
				return errors.New("--token and --agent-id are required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logging.Init(opts.logLevel, "text"))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", opts.server, "Relay tunnel URL (RELAY_SERVER_URL)")
	flags.StringVar(&opts.token, "token", opts.token, "Tunnel token (RELAY_TOKEN)")
	flags.StringVar(&opts.agentID, "agent-id", opts.agentID, "Agent id (RELAY_AGENT_ID)")
	flags.StringVar(&opts.prefix, "prefix", opts.prefix, "Prefix added to echoed replies")
	flags.DurationVar(&opts.keepalive, "keepalive", opts.keepalive, "Interval of agent-initiated pings")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "debug, info, warn or error")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type agent struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	opts    options
	started time.Time
	logger  *slog.Logger
}

func (a *agent) send(frameType, id string, payload any) error {
	frame := models.RelayFrame{ID: id, Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = raw
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteJSON(frame)
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.server, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.server, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	a := &agent{conn: conn, opts: opts, started: time.Now(), logger: logger}
	// the auth frame carries credentials at the top level
	a.writeMu.Lock()
	err = conn.WriteJSON(models.RelayFrame{Type: models.FrameAuth, Token: opts.token, AgentID: opts.agentID})
	a.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	go a.keepalive(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("closed by server (%d): %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read: %w", err)
		}
		var frame models.RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("malformed frame", "error", err)
			continue
		}
		a.handle(frame)
	}
}

func (a *agent) handle(frame models.RelayFrame) {
	var err error
	switch frame.Type {
	case models.FrameConnected:
		a.logger.Info("relay tunnel connected", "agent_id", a.opts.agentID)
	case models.FrameReplaced:
		a.logger.Warn("replaced by another connection")
	case models.FramePing:
		err = a.send(models.FramePong, frame.ID, nil)
	case models.FramePong:
	case models.FrameChat:
		var chat models.RelayChatPayload
		_ = json.Unmarshal(frame.Payload, &chat)
		a.logger.Info("chat", "text", chat.Text, "attachments", len(chat.Attachments))
		err = a.send(models.FrameChatResponse, frame.ID, models.RelayChatResponsePayload{Text: a.opts.prefix + chat.Text})
	case models.FrameStatus:
		err = a.send(models.FrameStatusResponse, frame.ID, map[string]any{
			"status":        "running",
			"uptimeSeconds": int(time.Since(a.started).Seconds()),
		})
	case models.FrameRestart:
		a.started = time.Now()
		err = a.send(models.FrameAck, frame.ID, nil)
	default:
		a.logger.Debug("ignoring frame", "type", frame.Type)
	}
	if err != nil {
		a.logger.Warn("reply failed", "type", frame.Type, "error", err)
	}
}

func (a *agent) keepalive(ctx context.Context) {
	ticker := time.NewTicker(a.opts.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(models.FramePing, "", nil); err != nil {
				return
			}
		}
	}
}
