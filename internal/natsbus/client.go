package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"agentbridge-backend/internal/models"
)

const (
	HealthStream  = "AGENT_HEALTH"
	healthSubject = "health"
)

type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// Connect establishes the NATS connection and makes sure the health stream
// exists.
func Connect(url string, logger *slog.Logger) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	logger = logger.With("component", "natsbus")

	opts := []nats.Option{
		nats.Name("agentbridge-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureInfrastructure(js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure infrastructure: %w", err)
	}

	return &Client{nc: nc, js: js, logger: logger}, nil
}

// Close drains and closes the NATS connection.
func (c *Client) Close() error {
	return c.nc.Drain()
}

func (c *Client) NC() *nats.Conn {
	return c.nc
}

func (c *Client) JS() nats.JetStreamContext {
	return c.js
}

// HealthSubject is health.<owner>.<agent>.<type>.
func HealthSubject(ownerID, agentID, eventType string) string {
	return strings.Join([]string{healthSubject, token(ownerID), token(agentID), token(eventType)}, ".")
}

// token makes s safe as a single subject token; empty becomes "_".
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// PublishHealth persists a health event on the stream.
func (c *Client) PublishHealth(ctx context.Context, ev models.HealthEvent) error {
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal health event: %w", err)
	}
	_, err = c.js.Publish(HealthSubject(ev.OwnerID, ev.AgentID, ev.Type), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish health event: %w", err)
	}
	return nil
}

// SubscribeHealth delivers live health events of ownerID, optionally limited
// to one agent. The returned function unsubscribes.
func (c *Client) SubscribeHealth(ownerID, agentID string, fn func(models.HealthEvent)) (func(), error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	agent := "*"
	if agentID != "" {
		agent = token(agentID)
	}
	subject := strings.Join([]string{healthSubject, token(ownerID), agent, "*"}, ".")

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev models.HealthEvent
		if err := msgpack.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("dropping undecodable health event", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func ensureInfrastructure(js nats.JetStreamContext, logger *slog.Logger) error {
	_, err := js.StreamInfo(HealthStream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       HealthStream,
			Subjects:   []string{healthSubject + ".>"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			MaxBytes:   1 * 1024 * 1024 * 1024, // 1GB
			MaxMsgSize: 1 * 1024 * 1024,        // 1MB
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", HealthStream, err)
		}
		logger.Info("created JetStream stream", "stream", HealthStream)
	} else if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	return nil
}
