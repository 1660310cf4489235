package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"agentbridge-backend/internal/models"
)

// RecordAlert is idempotent on the alert id so redelivered bus messages do
// not duplicate rows.
func (s *Storage) RecordAlert(ctx context.Context, alert models.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_alerts (id, agent_id, owner_id, kind, severity, message, created_at)
		VALUES (:id, :agent_id, :owner_id, :kind, :severity, :message, :created_at)
		ON CONFLICT (id) DO NOTHING
	`, alert)
	return err
}

// RecordHealthChange appends a status transition to the health log.
func (s *Storage) RecordHealthChange(ctx context.Context, rec models.HealthRecord) error {
	alerts := rec.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_health_log (
			agent_id, status, container_status, cpu_usage, memory_usage_mb,
			error_rate_percent, response_time_ms, alerts, checked_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id, checked_at) DO NOTHING
	`, rec.AgentID, rec.Status, nullIfEmpty(rec.ContainerStatus), rec.CPUUsage, rec.MemoryUsageMB,
		rec.ErrorRatePercent, rec.ResponseTimeMs, pq.Array(alerts), rec.CheckTime)
	return err
}

func (s *Storage) ListAlerts(ctx context.Context, agentID string, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	alerts := []models.Alert{}
	err := s.db.SelectContext(ctx, &alerts, `
		SELECT id, agent_id, owner_id, kind, severity, message, created_at
		FROM agent_alerts
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	return alerts, err
}
