// Package lock owns exclusive environment claims: acquire, extend, release and the
// deadline recompute that follows threshold changes.
//
// Every operation is one read-modify-write executed through
// repository.EnvironmentRepository.MutateEnvironment, which holds the environment row
// exclusively. No network call happens while the row is held; the cross-user permission
// lookup for unlock runs between two guarded attempts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

// PermissionLookup resolves a user's effective role on a repository.
type PermissionLookup interface {
	Permission(ctx context.Context, repositoryID, userID int64) (domain.Permission, error)
}

// Publisher receives environment changes for live subscribers.
type Publisher interface {
	Publish(repositoryID int64, kind string, payload any)
}

// Notifier is told when a holder loses a lock they did not release.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind domain.NotificationType, eventTime time.Time, payload map[string]any)
}

// Service coordinates environment lock operations.
type Service struct {
	envs        repository.EnvironmentRepository
	permissions PermissionLookup
	publisher   Publisher
	notifier    Notifier
	logger      *slog.Logger
	defaults    domain.LockThresholds
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher broadcasts every successful change.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifier reports forced unlocks to the previous holder.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a lock service.
func New(envs repository.EnvironmentRepository, permissions PermissionLookup, logger *slog.Logger, cfg config.APIConfig, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{
		envs:        envs,
		permissions: permissions,
		logger:      logger.With("component", "lock"),
		defaults:    thresholds(cfg.DefaultLockExpiration, cfg.DefaultLockReservation),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func thresholds(expiration, reservation int) domain.LockThresholds {
	var out domain.LockThresholds
	if expiration > 0 {
		out.ExpirationMinutes = &expiration
	}
	if reservation > 0 {
		out.ReservationMinutes = &reservation
	}
	return out
}

var errNeedsAuthority = errors.New("lock: caller does not hold the lock")

// Lock claims environmentID for actorID. Re-locking by the holder returns the current
// state without refreshing the lock timestamp.
func (s Service) Lock(ctx context.Context, environmentID, actorID int64) (*domain.Environment, error) {
	fallback, err := s.fallbackFor(ctx, environmentID)
	if err != nil {
		return nil, s.fail("lock", err)
	}
	now := s.now()
	var acquired bool
	env, err := s.envs.MutateEnvironment(ctx, environmentID, func(env *domain.Environment) (bool, error) {
		if env.LockedByUser(actorID) {
			return false, nil
		}
		if env.Locked {
			return false, domain.ErrLockConflict
		}
		if !env.Enabled {
			return false, domain.ErrDisabled
		}
		holder := actorID
		lockedAt := now
		env.Locked = true
		env.LockedBy = &holder
		env.LockedAt = &lockedAt
		env.LockExtendedAt = nil
		env.RecomputeLockDeadlines(now, fallback)
		acquired = true
		return true, nil
	})
	if err != nil {
		return nil, s.fail("lock", err)
	}
	if !acquired {
		metrics.LockOperations.WithLabelValues("lock", "noop").Inc()
		return env, nil
	}

	entry := domain.EnvironmentLockHistory{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		UserID:        actorID,
		LockedAt:      now,
	}
	if err := s.envs.InsertLockHistory(ctx, entry); err != nil {
		s.logger.Warn("record lock history failed", "environment_id", env.ID, "error", err)
	}
	s.logger.Info("environment locked", "environment_id", env.ID, "actor_id", actorID)
	metrics.LockOperations.WithLabelValues("lock", "ok").Inc()
	s.publish(env, "environment.locked")
	return env, nil
}

// Extend pushes the deadlines of a TEST environment lock forward from now. Only the holder
// may extend; lockedBy and lockedAt are left untouched.
func (s Service) Extend(ctx context.Context, environmentID, actorID int64) (*domain.Environment, error) {
	fallback, err := s.fallbackFor(ctx, environmentID)
	if err != nil {
		return nil, s.fail("extend", err)
	}
	now := s.now()
	env, err := s.envs.MutateEnvironment(ctx, environmentID, func(env *domain.Environment) (bool, error) {
		if env.Type == domain.EnvironmentTypeProduction {
			return false, domain.ErrWrongType
		}
		if !env.Locked {
			return false, domain.ErrNotLocked
		}
		if !env.Enabled {
			return false, domain.ErrDisabled
		}
		if !env.LockedByUser(actorID) {
			return false, domain.ErrLockConflict
		}
		extendedAt := now
		env.LockExtendedAt = &extendedAt
		env.RecomputeLockDeadlines(now, fallback)
		return true, nil
	})
	if err != nil {
		return nil, s.fail("extend", err)
	}
	s.logger.Info("environment lock extended", "environment_id", env.ID, "actor_id", actorID)
	metrics.LockOperations.WithLabelValues("extend", "ok").Inc()
	s.publish(env, "environment.extended")
	return env, nil
}

// Unlock releases environmentID. A caller other than the holder needs at least maintainer
// permission on the environment's repository.
func (s Service) Unlock(ctx context.Context, environmentID, actorID int64) (*domain.Environment, error) {
	authorized := false
	for attempt := 0; attempt < 2; attempt++ {
		var previous int64
		now := s.now()
		env, err := s.envs.MutateEnvironment(ctx, environmentID, func(env *domain.Environment) (bool, error) {
			if !env.Locked {
				return false, domain.ErrNotLocked
			}
			if !env.LockedByUser(actorID) && !authorized {
				return false, errNeedsAuthority
			}
			if env.LockedBy != nil {
				previous = *env.LockedBy
			}
			env.ClearLock()
			return true, nil
		})
		if errors.Is(err, errNeedsAuthority) {
			if err := s.authorize(ctx, environmentID, actorID); err != nil {
				return nil, s.fail("unlock", err)
			}
			authorized = true
			continue
		}
		if err != nil {
			return nil, s.fail("unlock", err)
		}

		if err := s.envs.CloseLockHistory(ctx, env.ID, actorID, now); err != nil {
			s.logger.Warn("close lock history failed", "environment_id", env.ID, "error", err)
		}
		s.logger.Info("environment unlocked", "environment_id", env.ID, "actor_id", actorID, "previous_holder", previous)
		metrics.LockOperations.WithLabelValues("unlock", "ok").Inc()
		s.publish(env, "environment.unlocked")
		if previous != 0 && previous != actorID && s.notifier != nil {
			s.notifier.Notify(ctx, previous, domain.NotificationLockUnlocked, now, map[string]any{
				"environment_id":   env.ID,
				"environment_name": env.Name,
				"unlocked_by":      actorID,
			})
		}
		return env, nil
	}
	return nil, s.fail("unlock", domain.ErrLockConflict)
}

// authorize checks maintainer authority outside the row guard.
func (s Service) authorize(ctx context.Context, environmentID, actorID int64) error {
	current, err := s.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		return err
	}
	if s.permissions == nil {
		return domain.ErrPermissionDenied
	}
	perm, err := s.permissions.Permission(ctx, current.RepositoryID, actorID)
	if err != nil {
		return err
	}
	if !perm.AtLeastMaintainer() {
		s.logger.Info("unlock denied", "environment_id", environmentID, "actor_id", actorID, "permission", perm)
		return domain.ErrPermissionDenied
	}
	return nil
}

// Sweep recomputes expiry and reservation deadlines of every locked environment in
// repositoryID (all repositories when zero) from each lock's anchor. Expired locks are kept;
// the deadlines are informational. It returns the environments it rewrote.
func (s Service) Sweep(ctx context.Context, repositoryID int64) ([]domain.Environment, error) {
	locked, err := s.envs.ListLockedEnvironments(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list locked environments: %w", err)
	}
	fallbacks := make(map[int64]domain.LockThresholds)
	out := make([]domain.Environment, 0, len(locked))
	for _, candidate := range locked {
		fallback, ok := fallbacks[candidate.RepositoryID]
		if !ok {
			fallback = s.repositoryFallback(ctx, candidate.RepositoryID)
			fallbacks[candidate.RepositoryID] = fallback
		}
		env, err := s.envs.MutateEnvironment(ctx, candidate.ID, func(env *domain.Environment) (bool, error) {
			anchor, ok := env.LockAnchor()
			if !env.Locked || !ok {
				return false, nil
			}
			before := *env
			env.RecomputeLockDeadlines(anchor, fallback)
			return !sameTime(before.LockWillExpireAt, env.LockWillExpireAt) ||
				!sameTime(before.LockReservationExpiresAt, env.LockReservationExpiresAt), nil
		})
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return out, fmt.Errorf("sweep environment %d: %w", candidate.ID, err)
		}
		if env.Locked {
			out = append(out, *env)
		}
	}
	metrics.LockOperations.WithLabelValues("sweep", "ok").Inc()
	s.logger.Debug("lock sweep finished", "repository_id", repositoryID, "locked", len(out))
	return out, nil
}

func (s Service) fallbackFor(ctx context.Context, environmentID int64) (domain.LockThresholds, error) {
	env, err := s.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		return domain.LockThresholds{}, err
	}
	return s.repositoryFallback(ctx, env.RepositoryID), nil
}

func (s Service) repositoryFallback(ctx context.Context, repositoryID int64) domain.LockThresholds {
	fallback := s.defaults
	settings, err := s.envs.GetRepositorySettings(ctx, repositoryID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("load repository settings failed", "repository_id", repositoryID, "error", err)
		}
		return fallback
	}
	if settings.LockExpirationThresholdMinutes != nil {
		fallback.ExpirationMinutes = settings.LockExpirationThresholdMinutes
	}
	if settings.LockReservationThresholdMinutes != nil {
		fallback.ReservationMinutes = settings.LockReservationThresholdMinutes
	}
	return fallback
}

func (s Service) fail(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		err = domain.Wrap(domain.CodeNotFound, "environment not found", err)
	}
	outcome := string(domain.CodeOf(err))
	if outcome == "" {
		outcome = "error"
	}
	metrics.LockOperations.WithLabelValues(op, outcome).Inc()
	return err
}

func (s Service) publish(env *domain.Environment, kind string) {
	if s.publisher == nil || env == nil {
		return
	}
	s.publisher.Publish(env.RepositoryID, kind, env)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
