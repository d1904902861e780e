package postgres

import (
	"context"
	"time"

	"github.com/splax/helios/internal/domain"
)

// GetPreference fetches one notification preference.
func (r *Repository) GetPreference(ctx context.Context, userID int64, kind domain.NotificationType) (*domain.NotificationPreference, error) {
	const query = `SELECT user_id, type, enabled, updated_at FROM notification_preferences WHERE user_id = $1 AND type = $2`
	var (
		pref    domain.NotificationPreference
		prefTyp string
	)
	if err := r.pool.QueryRow(ctx, query, userID, string(kind)).Scan(&pref.UserID, &prefTyp, &pref.Enabled, &pref.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	pref.Type = domain.NotificationType(prefTyp)
	return &pref, nil
}

// ListPreferences returns every preference of a user ordered by type.
func (r *Repository) ListPreferences(ctx context.Context, userID int64) ([]domain.NotificationPreference, error) {
	const query = `SELECT user_id, type, enabled, updated_at FROM notification_preferences WHERE user_id = $1 ORDER BY type`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make([]domain.NotificationPreference, 0)
	for rows.Next() {
		var (
			pref    domain.NotificationPreference
			prefTyp string
		)
		if err := rows.Scan(&pref.UserID, &prefTyp, &pref.Enabled, &pref.UpdatedAt); err != nil {
			return nil, err
		}
		pref.Type = domain.NotificationType(prefTyp)
		prefs = append(prefs, pref)
	}
	return prefs, rows.Err()
}

// UpsertPreference stores a single opt-in flag.
func (r *Repository) UpsertPreference(ctx context.Context, pref domain.NotificationPreference) error {
	const query = `INSERT INTO notification_preferences (user_id, type, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, type) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, pref.UserID, string(pref.Type), pref.Enabled)
	return mapError(err)
}

// EnsurePreferences seeds enabled rows for kinds the user has no row for.
func (r *Repository) EnsurePreferences(ctx context.Context, userID int64, kinds []domain.NotificationType) error {
	if len(kinds) == 0 {
		return nil
	}
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	const query = `INSERT INTO notification_preferences (user_id, type, enabled, updated_at)
		SELECT $1, kind, TRUE, NOW() FROM UNNEST($2::text[]) AS kind
		ON CONFLICT (user_id, type) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, userID, names)
	return mapError(err)
}

// MarkDelivery records a webhook delivery id, reporting whether it is new.
func (r *Repository) MarkDelivery(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	const query = `INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, deliveryID, receivedAt.UTC())
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForgetDelivery drops one delivery id. A missing row is not an error.
func (r *Repository) ForgetDelivery(ctx context.Context, deliveryID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE delivery_id = $1`, deliveryID)
	return err
}

// PruneDeliveries forgets delivery ids received before the cutoff.
func (r *Repository) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
