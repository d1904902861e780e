package domain

import "time"

// User represents a GitHub account known to Helios.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	Type      string `json:"type"`
	// NotificationsEnabled is a local setting and is never overwritten by sync.
	NotificationsEnabled bool `json:"notifications_enabled"`
	// NotificationEmail is the local delivery address; empty means none configured.
	NotificationEmail string    `json:"notification_email"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Watermark implements the synced-entity contract.
func (u User) Watermark() time.Time {
	return u.UpdatedAt
}

// Permission is a user's effective role on a repository.
type Permission string

const (
	PermissionAdmin    Permission = "admin"
	PermissionMaintain Permission = "maintain"
	PermissionWrite    Permission = "write"
	PermissionTriage   Permission = "triage"
	PermissionRead     Permission = "read"
	PermissionNone     Permission = "none"
)

// AtLeastMaintainer reports whether p grants maintainer authority or more.
func (p Permission) AtLeastMaintainer() bool {
	return p == PermissionAdmin || p == PermissionMaintain
}

// UserToken stores an encrypted upstream access token for acting on a user's behalf.
type UserToken struct {
	UserID    int64      `json:"user_id"`
	Token     []byte     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
