package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentbridge-backend/internal/models"
)

// RecordTunnelConnection opens a connection history row. Rows left open by a
// previous connection of the same agent are closed as replaced.
func (s *Storage) RecordTunnelConnection(ctx context.Context, conn models.TunnelConnectionLog) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tunnel_connections
		SET disconnected_at = $2, disconnect_reason = 'replaced'
		WHERE agent_id = $1 AND disconnected_at IS NULL
	`, conn.AgentID, conn.ConnectedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tunnel_connections (id, agent_id, protocol, remote_addr, connected_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conn.ID, conn.AgentID, conn.Protocol, nullIfEmpty(conn.RemoteAddr), conn.ConnectedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) RecordTunnelDisconnect(ctx context.Context, agentID, protocol, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tunnel_connections
		SET disconnected_at = NOW(), disconnect_reason = $3
		WHERE agent_id = $1 AND protocol = $2 AND disconnected_at IS NULL
	`, agentID, protocol, nullIfEmpty(reason))
	return err
}

func (s *Storage) ListTunnelConnections(ctx context.Context, agentID string, limit int) ([]models.TunnelConnectionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.TunnelConnectionLog
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, agent_id, protocol, COALESCE(remote_addr, '') AS remote_addr,
		       connected_at, disconnected_at, disconnect_reason
		FROM tunnel_connections
		WHERE agent_id = $1
		ORDER BY connected_at DESC
		LIMIT $2
	`, agentID, limit)
	return rows, err
}
