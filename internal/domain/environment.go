package domain

import (
	"encoding/json"
	"time"
)

// EnvironmentType distinguishes shared test targets from production targets.
type EnvironmentType string

const (
	EnvironmentTypeTest       EnvironmentType = "TEST"
	EnvironmentTypeProduction EnvironmentType = "PRODUCTION"
)

// Valid reports whether t is a known environment type.
func (t EnvironmentType) Valid() bool {
	return t == EnvironmentTypeTest || t == EnvironmentTypeProduction
}

// StatusCheckType selects how an environment's health endpoint is interpreted.
type StatusCheckType string

const (
	// StatusCheckHTTP treats any 2xx response as healthy.
	StatusCheckHTTP StatusCheckType = "HTTP_STATUS"
	// StatusCheckJSON additionally decodes a JSON body as status metadata.
	StatusCheckJSON StatusCheckType = "JSON_STATUS"
)

// Environment represents a named deployable target bound to one repository.
type Environment struct {
	ID           int64           `json:"id"`
	RepositoryID int64           `json:"repository_id"`
	Name         string          `json:"name"`
	Type         EnvironmentType `json:"type"`
	Enabled      bool            `json:"enabled"`
	Description  string          `json:"description"`
	ServerURL    string          `json:"server_url"`

	Locked         bool       `json:"locked"`
	LockedBy       *int64     `json:"locked_by"`
	LockedAt       *time.Time `json:"locked_at"`
	LockExtendedAt *time.Time `json:"lock_extended_at"`

	LockExpirationThresholdMinutes  *int       `json:"lock_expiration_threshold_minutes"`
	LockReservationThresholdMinutes *int       `json:"lock_reservation_threshold_minutes"`
	LockWillExpireAt                *time.Time `json:"lock_will_expire_at"`
	LockReservationExpiresAt        *time.Time `json:"lock_reservation_expires_at"`

	StatusCheckType *StatusCheckType `json:"status_check_type"`
	StatusURL       string           `json:"status_url"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Watermark implements the synced-entity contract for environment rows.
func (e Environment) Watermark() time.Time {
	return e.UpdatedAt
}

// LockedByUser reports whether userID currently holds the lock.
func (e Environment) LockedByUser(userID int64) bool {
	return e.Locked && e.LockedBy != nil && *e.LockedBy == userID
}

// ClearLock resets every lock field.
func (e *Environment) ClearLock() {
	e.Locked = false
	e.LockedBy = nil
	e.LockedAt = nil
	e.LockExtendedAt = nil
	e.LockWillExpireAt = nil
	e.LockReservationExpiresAt = nil
}

// LockThresholds are the expiry and reservation windows in minutes.
type LockThresholds struct {
	ExpirationMinutes  *int `json:"expiration_minutes"`
	ReservationMinutes *int `json:"reservation_minutes"`
}

// RecomputeLockDeadlines derives expiry and reservation timestamps from anchor. The
// environment's own thresholds win over fallback; an unset threshold leaves its deadline nil.
func (e *Environment) RecomputeLockDeadlines(anchor time.Time, fallback LockThresholds) {
	expiration := e.LockExpirationThresholdMinutes
	if expiration == nil {
		expiration = fallback.ExpirationMinutes
	}
	reservation := e.LockReservationThresholdMinutes
	if reservation == nil {
		reservation = fallback.ReservationMinutes
	}
	e.LockWillExpireAt = addMinutes(anchor, expiration)
	e.LockReservationExpiresAt = addMinutes(anchor, reservation)
}

// LockAnchor returns the time deadlines are measured from: the last extension, else lock time.
func (e Environment) LockAnchor() (time.Time, bool) {
	if e.LockExtendedAt != nil {
		return *e.LockExtendedAt, true
	}
	if e.LockedAt != nil {
		return *e.LockedAt, true
	}
	return time.Time{}, false
}

func addMinutes(anchor time.Time, minutes *int) *time.Time {
	if minutes == nil || *minutes <= 0 {
		return nil
	}
	t := anchor.Add(time.Duration(*minutes) * time.Minute)
	return &t
}

// EnvironmentStatus is one recorded health-probe result.
type EnvironmentStatus struct {
	ID             string          `json:"id"`
	EnvironmentID  int64           `json:"environment_id"`
	Success        bool            `json:"success"`
	HTTPStatusCode int             `json:"http_status_code"`
	CheckType      StatusCheckType `json:"check_type"`
	Metadata       json.RawMessage `json:"metadata"`
	Error          string          `json:"error"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// EnvironmentLockHistory records one lock tenure.
type EnvironmentLockHistory struct {
	ID            string     `json:"id"`
	EnvironmentID int64      `json:"environment_id"`
	UserID        int64      `json:"user_id"`
	LockedAt      time.Time  `json:"locked_at"`
	UnlockedAt    *time.Time `json:"unlocked_at"`
	UnlockedBy    *int64     `json:"unlocked_by"`
}

// RepositorySettings holds repository-wide defaults for environment locks.
type RepositorySettings struct {
	RepositoryID                    int64     `json:"repository_id"`
	LockExpirationThresholdMinutes  *int      `json:"lock_expiration_threshold_minutes"`
	LockReservationThresholdMinutes *int      `json:"lock_reservation_threshold_minutes"`
	UpdatedAt                       time.Time `json:"updated_at"`
}
