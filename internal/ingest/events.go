package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"agentbridge-backend/internal/models"
)

const (
	auditSubject = "health.>"
	auditDurable = "health-audit"
)

// AuditStore persists what the audit consumer extracts from the health bus.
type AuditStore interface {
	RecordHealthChange(ctx context.Context, rec models.HealthRecord) error
	RecordAlert(ctx context.Context, alert models.Alert) error
}

// AuditConsumer writes health state changes and alerts from the health stream
// to the audit log.
type AuditConsumer struct {
	js     nats.JetStreamContext
	store  AuditStore
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewAuditConsumer(js nats.JetStreamContext, store AuditStore, logger *slog.Logger) *AuditConsumer {
	return &AuditConsumer{js: js, store: store, logger: logger.With("component", "audit-consumer")}
}

// Start begins consuming health events from JetStream.
func (c *AuditConsumer) Start(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(
		auditSubject,
		auditDurable,
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
		nats.MaxAckPending(1000),
	)
	if err != nil {
		return err
	}
	c.sub = sub

	go c.consumeLoop(ctx)
	c.logger.Info("audit consumer started", "subject", auditSubject)
	return nil
}

// fetchSizer grows the batch after consecutive full fetches and shrinks it
// after consecutive empty ones.
type fetchSizer struct {
	size, min, max int
	full, empty    int
}

func newFetchSizer() *fetchSizer {
	return &fetchSizer{size: 64, min: 8, max: 512}
}

func (f *fetchSizer) observe(n int) {
	switch {
	case n == 0:
		f.empty++
		f.full = 0
		if f.empty >= 3 && f.size > f.min {
			f.size = max(f.size/2, f.min)
			f.empty = 0
		}
	case n == f.size:
		f.full++
		f.empty = 0
		if f.full >= 3 && f.size < f.max {
			f.size = min(f.size*2, f.max)
			f.full = 0
		}
	default:
		f.full = 0
		f.empty = 0
	}
}

func (c *AuditConsumer) consumeLoop(ctx context.Context) {
	sizer := newFetchSizer()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.sub.Fetch(sizer.size, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			if !errors.Is(err, nats.ErrTimeout) {
				c.logger.Warn("fetch error", "error", err)
			}
			sizer.observe(0)
			continue
		}
		sizer.observe(len(msgs))

		for _, msg := range msgs {
			if err := c.processMessage(ctx, msg); err != nil {
				c.logger.Warn("process error", "subject", msg.Subject, "error", err)
				_ = msg.NakWithDelay(5 * time.Second)
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (c *AuditConsumer) processMessage(ctx context.Context, msg *nats.Msg) error {
	var ev models.HealthEvent
	if err := msgpack.Unmarshal(msg.Data, &ev); err != nil {
		c.logger.Error("unmarshal error, terminating message", "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return nil
	}
	return c.handle(ctx, ev)
}

func (c *AuditConsumer) handle(ctx context.Context, ev models.HealthEvent) error {
	if ev.Type == models.EventHealthUpdate && ev.Record != nil && ev.Record.Changed {
		if err := c.store.RecordHealthChange(ctx, *ev.Record); err != nil {
			return err
		}
		c.logger.Debug("health change recorded", "agent_id", ev.AgentID, "status", ev.Record.Status)
	}
	if ev.Alert != nil {
		if err := c.store.RecordAlert(ctx, *ev.Alert); err != nil {
			return err
		}
		c.logger.Info("alert recorded", "agent_id", ev.AgentID, "kind", ev.Alert.Kind)
	}
	return nil
}

// Stop gracefully stops the consumer.
func (c *AuditConsumer) Stop() error {
	if c.sub != nil {
		return c.sub.Drain()
	}
	return nil
}
