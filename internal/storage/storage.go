package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"agentbridge-backend/internal/models"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrUserNotFound  = errors.New("user not found")
)

//go:embed schema.sql
var schema string

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// Open connects to Postgres, retrying while the database comes up.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	op := func() (*sqlx.DB, error) {
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			logger.Warn("database not ready", "error", err)
			return nil, err
		}
		return db, nil
	}

	db, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureSchema creates missing tables. Statements are idempotent.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const agentColumns = `id, owner_id, name, status, deployment, last_active_at, created_at`

func (s *Storage) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	if err := s.db.GetContext(ctx, &agent, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

// GetOwnedAgent is GetAgent restricted to agents of ownerID. Foreign agents
// are reported as not found.
func (s *Storage) GetOwnedAgent(ctx context.Context, ownerID, id string) (*models.Agent, error) {
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.OwnerID != ownerID {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

func (s *Storage) UpdateAgentStatus(ctx context.Context, id, status string) error {
	query := `UPDATE agents SET status = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ListMonitoredAgents returns every agent the health supervisor should check.
func (s *Storage) ListMonitoredAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	query := `SELECT ` + agentColumns + ` FROM agents WHERE status IN ($1, $2) ORDER BY id`
	err := s.db.SelectContext(ctx, &agents, query, models.AgentStatusRunning, models.AgentStatusError)
	return agents, err
}

func (s *Storage) ListAgentIDsByStatus(ctx context.Context, status string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM agents WHERE status = $1`, status)
	return ids, err
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
