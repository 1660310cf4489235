package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/natsbus"
	"agentbridge-backend/internal/natsbus/natstest"
)

type memoryAudit struct {
	mu      sync.Mutex
	changes []models.HealthRecord
	alerts  []models.Alert
}

func (m *memoryAudit) RecordHealthChange(_ context.Context, rec models.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, rec)
	return nil
}

func (m *memoryAudit) RecordAlert(_ context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *memoryAudit) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes), len(m.alerts)
}

func TestFetchSizer(t *testing.T) {
	f := newFetchSizer()
	for range 3 {
		f.observe(f.size)
	}
	assert.Equal(t, 128, f.size)

	for range 3 {
		f.observe(0)
	}
	assert.Equal(t, 64, f.size)

	for range 30 {
		f.observe(0)
	}
	assert.Equal(t, 8, f.size)

	f.observe(f.size)
	f.observe(3)
	f.observe(f.size)
	f.observe(f.size)
	assert.Equal(t, 8, f.size, "a partial batch resets the streak")
}

func TestHandleRecordsOnlyChangesAndAlerts(t *testing.T) {
	store := &memoryAudit{}
	c := NewAuditConsumer(nil, store, logging.Discard())
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, models.HealthEvent{
		Type:   models.EventHealthUpdate,
		Record: &models.HealthRecord{AgentID: "a", Status: models.HealthHealthy},
	}))
	require.NoError(t, c.handle(ctx, models.HealthEvent{
		Type:   models.EventHealthUpdate,
		Record: &models.HealthRecord{AgentID: "a", Status: models.HealthDegraded, Changed: true},
	}))
	require.NoError(t, c.handle(ctx, models.HealthEvent{Type: models.EventAgentRestarted, AgentID: "a", Attempt: 1}))
	require.NoError(t, c.handle(ctx, models.HealthEvent{
		Type:  models.EventRestartFailed,
		Alert: &models.Alert{ID: "alert-1", AgentID: "a", Kind: models.AlertKindRestartFailed},
	}))

	changes, alerts := store.counts()
	assert.Equal(t, 1, changes)
	assert.Equal(t, 1, alerts)
	assert.Equal(t, models.HealthDegraded, store.changes[0].Status)
}

func TestHandleRecordsHealthAlertAlongsideChange(t *testing.T) {
	store := &memoryAudit{}
	c := NewAuditConsumer(nil, store, logging.Discard())

	require.NoError(t, c.handle(context.Background(), models.HealthEvent{
		Type:    models.EventHealthUpdate,
		AgentID: "a",
		Record:  &models.HealthRecord{AgentID: "a", Status: models.HealthDegraded, Changed: true, Alerts: []string{"CPU usage 95.0% exceeds 80%"}},
		Alert:   &models.Alert{ID: "alert-2", AgentID: "a", Kind: models.AlertKindHealth, Severity: models.SeverityWarning},
	}))

	changes, alerts := store.counts()
	assert.Equal(t, 1, changes)
	require.Equal(t, 1, alerts)
	assert.Equal(t, models.AlertKindHealth, store.alerts[0].Kind)
}

func TestAuditConsumerEndToEnd(t *testing.T) {
	bus, err := natsbus.Connect(natstest.RunServer(t), logging.Discard())
	require.NoError(t, err)
	defer bus.Close()

	store := &memoryAudit{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewAuditConsumer(bus.JS(), store, logging.Discard())
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	now := time.Now().UTC()
	require.NoError(t, bus.PublishHealth(ctx, models.HealthEvent{
		Type:      models.EventHealthUpdate,
		AgentID:   "agent-1",
		OwnerID:   "owner-1",
		Record:    &models.HealthRecord{AgentID: "agent-1", OwnerID: "owner-1", Status: models.HealthUnreachable, Changed: true, CheckTime: now},
		Timestamp: now,
	}))
	require.NoError(t, bus.PublishHealth(ctx, models.HealthEvent{
		Type:    models.EventRestartFailed,
		AgentID: "agent-1",
		OwnerID: "owner-1",
		Alert: &models.Alert{
			ID: "alert-1", AgentID: "agent-1", OwnerID: "owner-1",
			Kind: models.AlertKindRestartExhausted, Severity: models.SeverityCritical,
			Message: "exceeded max restarts", CreatedAt: now,
		},
		Timestamp: now,
	}))

	require.Eventually(t, func() bool {
		changes, alerts := store.counts()
		return changes == 1 && alerts == 1
	}, 10*time.Second, 20*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, models.AlertKindRestartExhausted, store.alerts[0].Kind)
	assert.Equal(t, "agent-1", store.changes[0].AgentID)
}
