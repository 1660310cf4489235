package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentbridge-backend/internal/models"
)

// RecordChatMessage logs one dispatched chat message for activity metrics and
// bumps the agent's last activity. An empty errMsg means success.
func (s *Storage) RecordChatMessage(ctx context.Context, agentID, source, errMsg string, latency time.Duration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, agent_id, source, error, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), agentID, source, nullIfEmpty(errMsg), latency.Milliseconds()); err != nil {
		return err
	}

	if errMsg == "" {
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_active_at = NOW() WHERE id = $1`, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AgentActivity counts chat traffic since the given time. LastActiveAt is the
// newest successful message overall, not only inside the window.
func (s *Storage) AgentActivity(ctx context.Context, agentID string, since time.Time) (models.ActivityStats, error) {
	var stats models.ActivityStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $2) AS total,
			COUNT(*) FILTER (WHERE created_at >= $2 AND error IS NOT NULL) AS errors,
			MAX(created_at) FILTER (WHERE error IS NULL) AS last_active_at
		FROM chat_messages
		WHERE agent_id = $1
	`, agentID, since)
	return stats, err
}
