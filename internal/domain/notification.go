package domain

import "time"

// NotificationType names a class of outbound notification a user can opt in to.
type NotificationType string

const (
	NotificationDeploymentFailed NotificationType = "DEPLOYMENT_FAILED"
	NotificationLockExpired      NotificationType = "LOCK_EXPIRED"
	NotificationLockUnlocked     NotificationType = "LOCK_UNLOCKED"
)

// NotificationTypes lists every type seeded on first login.
var NotificationTypes = []NotificationType{
	NotificationDeploymentFailed,
	NotificationLockExpired,
	NotificationLockUnlocked,
}

// NotificationPreference is a per user and type opt-in.
type NotificationPreference struct {
	UserID    int64            `json:"user_id"`
	Type      NotificationType `json:"type"`
	Enabled   bool             `json:"enabled"`
	UpdatedAt time.Time        `json:"updated_at"`
}
