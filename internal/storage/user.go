package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentbridge-backend/internal/models"
)

func (s *Storage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE lower(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
}

func (s *Storage) getUser(ctx context.Context, query string, arg string) (*models.User, error) {
	var user models.User
	if err := s.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
