package postgres

import (
	"context"
	"strings"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

// GetUser fetches a user by upstream id.
func (r *Repository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

// GetUserByLogin resolves a login case-insensitively, preferring the freshest row.
func (r *Repository) GetUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, repository.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(login) = LOWER($1) ORDER BY updated_at DESC LIMIT 1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, login))
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

// UpdateNotificationSettings writes the user's local notification settings.
func (r *Repository) UpdateNotificationSettings(ctx context.Context, userID int64, enabled bool, email string) error {
	const query = `UPDATE users SET notifications_enabled = $2, notification_email = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, userID, enabled, strings.TrimSpace(email))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetUserToken loads the encrypted upstream token of a user.
func (r *Repository) GetUserToken(ctx context.Context, userID int64) (*domain.UserToken, error) {
	const query = `SELECT user_id, token, expires_at, updated_at FROM user_tokens WHERE user_id = $1`
	var token domain.UserToken
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&token.UserID, &token.Token, &token.ExpiresAt, &token.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &token, nil
}

// UpsertUserToken stores or replaces a user's encrypted token.
func (r *Repository) UpsertUserToken(ctx context.Context, token domain.UserToken) error {
	const query = `INSERT INTO user_tokens (user_id, token, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, token.UserID, token.Token, timePtrToNil(token.ExpiresAt))
	return mapError(err)
}

// GetRepository fetches a tracked repository.
func (r *Repository) GetRepository(ctx context.Context, repositoryID int64) (*domain.Repository, error) {
	repo, err := r.Repositories().Find(ctx, idKey(repositoryID))
	if err != nil {
		return nil, err
	}
	return &repo, nil
}
