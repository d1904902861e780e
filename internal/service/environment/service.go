package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

// Sweeper recomputes lock deadlines after threshold changes.
type Sweeper interface {
	Sweep(ctx context.Context, repositoryID int64) ([]domain.Environment, error)
}

// Publisher receives environment changes for live subscribers.
type Publisher interface {
	Publish(repositoryID int64, kind string, payload any)
}

// Service manages environment settings outside of the lock fields.
type Service struct {
	envs      repository.EnvironmentRepository
	sweeper   Sweeper
	publisher Publisher
	logger    *slog.Logger
	cfg       config.APIConfig
}

// New constructs an environment service.
func New(envs repository.EnvironmentRepository, sweeper Sweeper, publisher Publisher, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{envs: envs, sweeper: sweeper, publisher: publisher, logger: logger.With("component", "environment"), cfg: cfg}
}

// UpdateInput captures mutable environment settings. Nil fields are left unchanged.
type UpdateInput struct {
	EnvironmentID                   int64
	Enabled                         *bool
	Type                            *string
	Description                     *string
	ServerURL                       *string
	StatusCheckType                 *string
	StatusURL                       *string
	LockExpirationThresholdMinutes  *int
	LockReservationThresholdMinutes *int
}

// Details bundles an environment with its most recent health results.
type Details struct {
	Environment domain.Environment         `json:"environment"`
	Statuses    []domain.EnvironmentStatus `json:"statuses"`
}

var (
	errEnvironmentIDRequired = domain.Errorf(domain.CodeInvalidArgument, "environment id required")
	errRepositoryIDRequired  = domain.Errorf(domain.CodeInvalidArgument, "repository id required")
	errInvalidType           = domain.Errorf(domain.CodeInvalidArgument, "environment type must be TEST or PRODUCTION")
	errInvalidCheckType      = domain.Errorf(domain.CodeInvalidArgument, "status check type must be HTTP_STATUS or JSON_STATUS")
	errInvalidStatusURL      = domain.Errorf(domain.CodeInvalidArgument, "status url must be an absolute http(s) url")
	errInvalidThreshold      = domain.Errorf(domain.CodeInvalidArgument, "lock thresholds must be positive")
)

// List returns every environment of a repository.
func (s Service) List(ctx context.Context, repositoryID int64) ([]domain.Environment, error) {
	if repositoryID <= 0 {
		return nil, errRepositoryIDRequired
	}
	return s.envs.ListEnvironmentsByRepository(ctx, repositoryID)
}

// Detail returns an environment with up to the configured number of health results.
func (s Service) Detail(ctx context.Context, environmentID int64) (*Details, error) {
	if environmentID <= 0 {
		return nil, errEnvironmentIDRequired
	}
	env, err := s.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, notFound(err)
	}
	statuses, err := s.envs.ListEnvironmentStatuses(ctx, environmentID, s.cfg.StatusHistoryLimit)
	if err != nil {
		return nil, err
	}
	return &Details{Environment: *env, Statuses: statuses}, nil
}

// Update applies settings in one guarded write. Disabling a locked environment fails with
// LockedCannotDisable and leaves the row untouched.
func (s Service) Update(ctx context.Context, input UpdateInput) (*domain.Environment, error) {
	if input.EnvironmentID <= 0 {
		return nil, errEnvironmentIDRequired
	}
	if err := validate(input); err != nil {
		return nil, err
	}

	thresholdsChanged := false
	env, err := s.envs.MutateEnvironment(ctx, input.EnvironmentID, func(env *domain.Environment) (bool, error) {
		if input.Enabled != nil && !*input.Enabled && env.Enabled && env.Locked {
			return false, domain.ErrLockedCannotDisable
		}
		if input.Enabled != nil {
			env.Enabled = *input.Enabled
		}
		if input.Type != nil {
			env.Type = domain.EnvironmentType(strings.ToUpper(strings.TrimSpace(*input.Type)))
		}
		if input.Description != nil {
			env.Description = strings.TrimSpace(*input.Description)
		}
		if input.ServerURL != nil {
			env.ServerURL = strings.TrimSpace(*input.ServerURL)
		}
		if input.StatusCheckType != nil {
			value := strings.ToUpper(strings.TrimSpace(*input.StatusCheckType))
			if value == "" {
				env.StatusCheckType = nil
			} else {
				checkType := domain.StatusCheckType(value)
				env.StatusCheckType = &checkType
			}
		}
		if input.StatusURL != nil {
			env.StatusURL = strings.TrimSpace(*input.StatusURL)
		}
		if input.LockExpirationThresholdMinutes != nil {
			env.LockExpirationThresholdMinutes = positiveOrNil(*input.LockExpirationThresholdMinutes)
			thresholdsChanged = true
		}
		if input.LockReservationThresholdMinutes != nil {
			env.LockReservationThresholdMinutes = positiveOrNil(*input.LockReservationThresholdMinutes)
			thresholdsChanged = true
		}
		return true, nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	s.logger.Info("environment updated", "environment_id", env.ID, "enabled", env.Enabled, "type", env.Type)

	if thresholdsChanged && env.Locked && s.sweeper != nil {
		swept, err := s.sweeper.Sweep(ctx, env.RepositoryID)
		if err != nil {
			s.logger.Warn("lock sweep after threshold change failed", "repository_id", env.RepositoryID, "error", err)
		}
		for i := range swept {
			if swept[i].ID == env.ID {
				updated := swept[i]
				env = &updated
			}
		}
	}
	s.publish(env)
	return env, nil
}

// Disable turns an environment off; see Update.
func (s Service) Disable(ctx context.Context, environmentID int64) (*domain.Environment, error) {
	enabled := false
	return s.Update(ctx, UpdateInput{EnvironmentID: environmentID, Enabled: &enabled})
}

// RepositorySettings returns the lock defaults of a repository, falling back to the
// service defaults when none are stored.
func (s Service) RepositorySettings(ctx context.Context, repositoryID int64) (*domain.RepositorySettings, error) {
	if repositoryID <= 0 {
		return nil, errRepositoryIDRequired
	}
	settings, err := s.envs.GetRepositorySettings(ctx, repositoryID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return &domain.RepositorySettings{
		RepositoryID:                    repositoryID,
		LockExpirationThresholdMinutes:  positiveOrNil(s.cfg.DefaultLockExpiration),
		LockReservationThresholdMinutes: positiveOrNil(s.cfg.DefaultLockReservation),
	}, nil
}

// UpdateRepositorySettings stores repository lock defaults and recomputes the deadlines of
// every lock currently held in the repository.
func (s Service) UpdateRepositorySettings(ctx context.Context, settings domain.RepositorySettings) ([]domain.Environment, error) {
	if settings.RepositoryID <= 0 {
		return nil, errRepositoryIDRequired
	}
	if invalidThreshold(settings.LockExpirationThresholdMinutes) || invalidThreshold(settings.LockReservationThresholdMinutes) {
		return nil, errInvalidThreshold
	}
	settings.LockExpirationThresholdMinutes = normalize(settings.LockExpirationThresholdMinutes)
	settings.LockReservationThresholdMinutes = normalize(settings.LockReservationThresholdMinutes)
	if err := s.envs.UpsertRepositorySettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save repository settings: %w", err)
	}
	s.logger.Info("repository lock settings updated", "repository_id", settings.RepositoryID)
	if s.sweeper == nil {
		return nil, nil
	}
	swept, err := s.sweeper.Sweep(ctx, settings.RepositoryID)
	if err != nil {
		return nil, err
	}
	for i := range swept {
		s.publish(&swept[i])
	}
	return swept, nil
}

func validate(input UpdateInput) error {
	if input.Type != nil && !domain.EnvironmentType(strings.ToUpper(strings.TrimSpace(*input.Type))).Valid() {
		return errInvalidType
	}
	if input.StatusCheckType != nil {
		switch domain.StatusCheckType(strings.ToUpper(strings.TrimSpace(*input.StatusCheckType))) {
		case "", domain.StatusCheckHTTP, domain.StatusCheckJSON:
		default:
			return errInvalidCheckType
		}
	}
	if input.StatusURL != nil {
		if raw := strings.TrimSpace(*input.StatusURL); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return errInvalidStatusURL
			}
		}
	}
	if invalidThreshold(input.LockExpirationThresholdMinutes) || invalidThreshold(input.LockReservationThresholdMinutes) {
		return errInvalidThreshold
	}
	return nil
}

// invalidThreshold rejects negatives; zero clears the threshold.
func invalidThreshold(v *int) bool {
	return v != nil && *v < 0
}

func normalize(v *int) *int {
	if v == nil {
		return nil
	}
	return positiveOrNil(*v)
}

func positiveOrNil(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Wrap(domain.CodeNotFound, "environment not found", err)
	}
	return err
}

func (s Service) publish(env *domain.Environment) {
	if s.publisher == nil || env == nil {
		return
	}
	s.publisher.Publish(env.RepositoryID, "environment.updated", env)
}
