package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

const environmentColumns = `id, repository_id, name, type, enabled, description, server_url,
	locked, locked_by, locked_at, lock_extended_at,
	lock_expiration_threshold_minutes, lock_reservation_threshold_minutes,
	lock_will_expire_at, lock_reservation_expires_at,
	status_check_type, status_url, created_at, updated_at`

func scanEnvironment(row pgx.Row) (domain.Environment, error) {
	var (
		env       domain.Environment
		envType   string
		checkType *string
	)
	if err := row.Scan(
		&env.ID,
		&env.RepositoryID,
		&env.Name,
		&envType,
		&env.Enabled,
		&env.Description,
		&env.ServerURL,
		&env.Locked,
		&env.LockedBy,
		&env.LockedAt,
		&env.LockExtendedAt,
		&env.LockExpirationThresholdMinutes,
		&env.LockReservationThresholdMinutes,
		&env.LockWillExpireAt,
		&env.LockReservationExpiresAt,
		&checkType,
		&env.StatusURL,
		&env.CreatedAt,
		&env.UpdatedAt,
	); err != nil {
		return domain.Environment{}, err
	}
	env.Type = domain.EnvironmentType(envType)
	if checkType != nil {
		value := domain.StatusCheckType(*checkType)
		env.StatusCheckType = &value
	}
	return env, nil
}

func collectEnvironments(rows pgx.Rows) ([]domain.Environment, error) {
	defer rows.Close()
	envs := make([]domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func checkTypeToNil(t *domain.StatusCheckType) any {
	if t == nil {
		return nil
	}
	return string(*t)
}

// GetEnvironment fetches one environment by id.
func (r *Repository) GetEnvironment(ctx context.Context, environmentID int64) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, environmentID))
	if err != nil {
		return nil, mapError(err)
	}
	return &env, nil
}

// ListEnvironmentsByRepository returns every environment of a repository ordered by name.
func (r *Repository) ListEnvironmentsByRepository(ctx context.Context, repositoryID int64) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE repository_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	return collectEnvironments(rows)
}

// listLockedQuery casts $1 so the parameter is typed bigint rather than inferred from the
// integer literal.
var listLockedQuery = `SELECT ` + environmentColumns + ` FROM environments
		WHERE locked AND ($1::bigint = 0 OR repository_id = $1::bigint)
		ORDER BY id`

// ListLockedEnvironments returns locked environments, scoped to repositoryID unless it is zero.
func (r *Repository) ListLockedEnvironments(ctx context.Context, repositoryID int64) ([]domain.Environment, error) {
	rows, err := r.pool.Query(ctx, listLockedQuery, repositoryID)
	if err != nil {
		return nil, err
	}
	return collectEnvironments(rows)
}

// ListStatusCheckEnvironments returns enabled environments with a configured health probe.
func (r *Repository) ListStatusCheckEnvironments(ctx context.Context) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments
		WHERE enabled AND status_check_type IS NOT NULL AND status_url <> ''
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectEnvironments(rows)
}

// MutateEnvironment locks the row, applies fn and persists the locally owned columns.
// Name, repository and sync watermark are left untouched.
func (r *Repository) MutateEnvironment(ctx context.Context, environmentID int64, fn repository.EnvironmentMutation) (*domain.Environment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1 FOR UPDATE`
	env, err := scanEnvironment(tx.QueryRow(ctx, query, environmentID))
	if err != nil {
		return nil, mapError(err)
	}

	write, err := fn(&env)
	if err != nil {
		return nil, err
	}
	if !write {
		return &env, nil
	}

	const update = `UPDATE environments SET
		type = $2, enabled = $3, description = $4, server_url = $5,
		locked = $6, locked_by = $7, locked_at = $8, lock_extended_at = $9,
		lock_expiration_threshold_minutes = $10, lock_reservation_threshold_minutes = $11,
		lock_will_expire_at = $12, lock_reservation_expires_at = $13,
		status_check_type = $14, status_url = $15
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update,
		env.ID,
		string(env.Type),
		env.Enabled,
		env.Description,
		env.ServerURL,
		env.Locked,
		int64PtrToNil(env.LockedBy),
		timePtrToNil(env.LockedAt),
		timePtrToNil(env.LockExtendedAt),
		intPtrToNil(env.LockExpirationThresholdMinutes),
		intPtrToNil(env.LockReservationThresholdMinutes),
		timePtrToNil(env.LockWillExpireAt),
		timePtrToNil(env.LockReservationExpiresAt),
		checkTypeToNil(env.StatusCheckType),
		env.StatusURL,
	); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &env, nil
}

// AppendEnvironmentStatus records a probe result and trims history to the newest keep rows.
func (r *Repository) AppendEnvironmentStatus(ctx context.Context, status domain.EnvironmentStatus, keep int) error {
	if status.ID == "" {
		status.ID = uuid.NewString()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const insert = `INSERT INTO environment_statuses
		(id, environment_id, success, http_status_code, check_type, metadata, error, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, insert,
		status.ID,
		status.EnvironmentID,
		status.Success,
		status.HTTPStatusCode,
		string(status.CheckType),
		bytesToNil(status.Metadata),
		status.Error,
		status.CheckedAt.UTC(),
	); err != nil {
		return mapError(err)
	}

	if keep > 0 {
		const trim = `DELETE FROM environment_statuses
			WHERE environment_id = $1 AND id NOT IN (
				SELECT id FROM environment_statuses
				WHERE environment_id = $1
				ORDER BY checked_at DESC
				LIMIT $2)`
		if _, err := tx.Exec(ctx, trim, status.EnvironmentID, keep); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListEnvironmentStatuses returns the newest probe results first.
func (r *Repository) ListEnvironmentStatuses(ctx context.Context, environmentID int64, limit int) ([]domain.EnvironmentStatus, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, environment_id, success, http_status_code, check_type, metadata, error, checked_at
		FROM environment_statuses WHERE environment_id = $1
		ORDER BY checked_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make([]domain.EnvironmentStatus, 0)
	for rows.Next() {
		var (
			status    domain.EnvironmentStatus
			checkType string
			metadata  []byte
		)
		if err := rows.Scan(
			&status.ID,
			&status.EnvironmentID,
			&status.Success,
			&status.HTTPStatusCode,
			&checkType,
			&metadata,
			&status.Error,
			&status.CheckedAt,
		); err != nil {
			return nil, err
		}
		status.CheckType = domain.StatusCheckType(checkType)
		if len(metadata) > 0 {
			status.Metadata = append([]byte(nil), metadata...)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// InsertLockHistory opens a lock tenure entry.
func (r *Repository) InsertLockHistory(ctx context.Context, entry domain.EnvironmentLockHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `INSERT INTO environment_lock_history (id, environment_id, user_id, locked_at, unlocked_at, unlocked_by)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.EnvironmentID,
		entry.UserID,
		entry.LockedAt.UTC(),
		timePtrToNil(entry.UnlockedAt),
		int64PtrToNil(entry.UnlockedBy),
	)
	return mapError(err)
}

// CloseLockHistory stamps every open tenure of the environment as released.
func (r *Repository) CloseLockHistory(ctx context.Context, environmentID int64, unlockedBy int64, unlockedAt time.Time) error {
	const query = `UPDATE environment_lock_history SET unlocked_at = $3, unlocked_by = $2
		WHERE environment_id = $1 AND unlocked_at IS NULL`
	_, err := r.pool.Exec(ctx, query, environmentID, unlockedBy, unlockedAt.UTC())
	return err
}

// GetRepositorySettings loads lock defaults for a repository.
func (r *Repository) GetRepositorySettings(ctx context.Context, repositoryID int64) (*domain.RepositorySettings, error) {
	const query = `SELECT repository_id, lock_expiration_threshold_minutes, lock_reservation_threshold_minutes, updated_at
		FROM repository_settings WHERE repository_id = $1`
	var settings domain.RepositorySettings
	if err := r.pool.QueryRow(ctx, query, repositoryID).Scan(
		&settings.RepositoryID,
		&settings.LockExpirationThresholdMinutes,
		&settings.LockReservationThresholdMinutes,
		&settings.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &settings, nil
}

// UpsertRepositorySettings writes lock defaults for a repository.
func (r *Repository) UpsertRepositorySettings(ctx context.Context, settings domain.RepositorySettings) error {
	const query = `INSERT INTO repository_settings
		(repository_id, lock_expiration_threshold_minutes, lock_reservation_threshold_minutes, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (repository_id) DO UPDATE SET
			lock_expiration_threshold_minutes = EXCLUDED.lock_expiration_threshold_minutes,
			lock_reservation_threshold_minutes = EXCLUDED.lock_reservation_threshold_minutes,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query,
		settings.RepositoryID,
		intPtrToNil(settings.LockExpirationThresholdMinutes),
		intPtrToNil(settings.LockReservationThresholdMinutes),
	)
	return mapError(err)
}
