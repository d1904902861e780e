package repository

import (
	"context"
	"time"

	"github.com/splax/helios/internal/domain"
)

// Synced is implemented by every row whose freshness is decided by an upstream watermark.
type Synced interface {
	Watermark() time.Time
}

// SyncStore persists one kind of externally sourced entity keyed by its upstream identifier.
type SyncStore[T Synced] interface {
	// Find returns ErrNotFound when no row exists for key.
	Find(ctx context.Context, key string) (T, error)
	// Insert returns ErrConflict when a row with the same key already exists.
	Insert(ctx context.Context, row T) error
	// UpdateIfNewer writes row only when its watermark is strictly newer than the stored one
	// and reports whether a write happened.
	UpdateIfNewer(ctx context.Context, row T) (bool, error)
}

// SyncRepository exposes the per-entity sync stores.
type SyncRepository interface {
	Repositories() SyncStore[domain.Repository]
	Users() SyncStore[domain.User]
	Branches() SyncStore[domain.Branch]
	Commits() SyncStore[domain.Commit]
	Labels() SyncStore[domain.Label]
	Issues() SyncStore[domain.Issue]
	Releases() SyncStore[domain.Release]
	Environments() SyncStore[domain.Environment]
}

// EnvironmentMutation edits env in place while the row is held exclusively. Returning
// false skips the write; returning an error aborts without writing.
type EnvironmentMutation func(env *domain.Environment) (bool, error)

// EnvironmentRepository persists environments, their lock state and health history.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, environmentID int64) (*domain.Environment, error)
	ListEnvironmentsByRepository(ctx context.Context, repositoryID int64) ([]domain.Environment, error)
	// ListLockedEnvironments returns locked environments of repositoryID, or of every
	// repository when repositoryID is zero.
	ListLockedEnvironments(ctx context.Context, repositoryID int64) ([]domain.Environment, error)
	ListStatusCheckEnvironments(ctx context.Context) ([]domain.Environment, error)
	// MutateEnvironment applies fn as one atomic read-modify-write on the environment row.
	MutateEnvironment(ctx context.Context, environmentID int64, fn EnvironmentMutation) (*domain.Environment, error)
	AppendEnvironmentStatus(ctx context.Context, status domain.EnvironmentStatus, keep int) error
	ListEnvironmentStatuses(ctx context.Context, environmentID int64, limit int) ([]domain.EnvironmentStatus, error)
	InsertLockHistory(ctx context.Context, entry domain.EnvironmentLockHistory) error
	CloseLockHistory(ctx context.Context, environmentID int64, unlockedBy int64, unlockedAt time.Time) error
	GetRepositorySettings(ctx context.Context, repositoryID int64) (*domain.RepositorySettings, error)
	UpsertRepositorySettings(ctx context.Context, settings domain.RepositorySettings) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	FindDeploymentByRunID(ctx context.Context, runID int64) (*domain.Deployment, error)
	ListWaitingDeployments(ctx context.Context, repositoryID int64) ([]domain.Deployment, error)
	AttachWorkflowRun(ctx context.Context, deploymentID, runURL string, runID int64) error
	// UpdateDeploymentStatus applies update unless a newer run watermark is already stored,
	// reporting whether the row changed.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (bool, error)
	DeleteTerminalDeploymentsBefore(ctx context.Context, before time.Time) (int64, error)
}

// UserRepository reads users and their local settings.
type UserRepository interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	GetUserByLogin(ctx context.Context, login string) (*domain.User, error)
	UpdateNotificationSettings(ctx context.Context, userID int64, enabled bool, email string) error
	GetUserToken(ctx context.Context, userID int64) (*domain.UserToken, error)
	UpsertUserToken(ctx context.Context, token domain.UserToken) error
}

// RepoRepository reads tracked repositories.
type RepoRepository interface {
	GetRepository(ctx context.Context, repositoryID int64) (*domain.Repository, error)
}

// NotificationRepository stores per-type notification preferences.
type NotificationRepository interface {
	GetPreference(ctx context.Context, userID int64, kind domain.NotificationType) (*domain.NotificationPreference, error)
	ListPreferences(ctx context.Context, userID int64) ([]domain.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref domain.NotificationPreference) error
	// EnsurePreferences inserts enabled rows for kinds the user has no row for yet.
	EnsurePreferences(ctx context.Context, userID int64, kinds []domain.NotificationType) error
}

// DeliveryRepository remembers processed webhook delivery ids.
type DeliveryRepository interface {
	// MarkDelivery records deliveryID and reports whether it was seen for the first time.
	MarkDelivery(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error)
	// ForgetDelivery removes deliveryID so a redelivery is processed again.
	ForgetDelivery(ctx context.Context, deliveryID string) error
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}
