// Package maintenance runs the periodic background jobs: lock deadline sweeps with expiry
// notices, and retention of finished deployments and webhook delivery ids.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

const (
	defaultInterval  = time.Minute
	iterationTimeout = 30 * time.Second
)

// Sweeper recomputes lock deadlines and returns the environments still locked.
type Sweeper interface {
	Sweep(ctx context.Context, repositoryID int64) ([]domain.Environment, error)
}

// Notifier delivers lock expiry notices.
type Notifier interface {
	Actionable(eventTime time.Time) bool
	Notify(ctx context.Context, userID int64, kind domain.NotificationType, eventTime time.Time, payload map[string]any)
}

// Controller drives the sweep and retention jobs from one ticker.
type Controller struct {
	sweeper     Sweeper
	notifier    Notifier
	deployments repository.DeploymentRepository
	deliveries  repository.DeliveryRepository
	logger      *slog.Logger

	interval          time.Duration
	retentionInterval time.Duration
	retentionPeriod   time.Duration
	deliveryTTL       time.Duration

	lastSweep     time.Time
	lastRetention time.Time

	now func() time.Time
}

// New constructs a maintenance controller. It returns nil when there is nothing to run.
func New(sweeper Sweeper, notifier Notifier, deployments repository.DeploymentRepository, deliveries repository.DeliveryRepository, logger *slog.Logger, cfg config.APIConfig) *Controller {
	if sweeper == nil && deployments == nil && deliveries == nil {
		return nil
	}
	interval := cfg.LockSweepInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sweeper:           sweeper,
		notifier:          notifier,
		deployments:       deployments,
		deliveries:        deliveries,
		logger:            logger.With("component", "maintenance"),
		interval:          interval,
		retentionInterval: cfg.RetentionInterval,
		retentionPeriod:   cfg.RetentionPeriod,
		deliveryTTL:       cfg.WebhookDedupeTTL,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the maintenance loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("maintenance controller started", "interval", c.interval, "retention", c.retentionPeriod)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("maintenance controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	if c == nil {
		return
	}
	timeout := iterationTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := c.now()
	c.handleLocks(opCtx, now)
	if c.retentionDue(now) {
		c.handleRetention(opCtx, now)
		c.lastRetention = now
	}
}

// handleLocks sweeps deadlines and notifies holders whose lock expired since the last sweep.
func (c *Controller) handleLocks(ctx context.Context, now time.Time) {
	if c.sweeper == nil {
		return
	}
	since := c.lastSweep
	if since.IsZero() {
		since = now.Add(-c.interval)
	}
	locked, err := c.sweeper.Sweep(ctx, 0)
	if err != nil {
		c.logger.Warn("lock sweep failed", "error", err)
	}
	c.lastSweep = now
	if c.notifier == nil {
		return
	}
	for _, env := range locked {
		if env.LockWillExpireAt == nil || env.LockedBy == nil {
			continue
		}
		expiry := *env.LockWillExpireAt
		if !expiry.After(since) || expiry.After(now) {
			continue
		}
		if !c.notifier.Actionable(expiry) {
			continue
		}
		c.notifier.Notify(ctx, *env.LockedBy, domain.NotificationLockExpired, expiry, map[string]any{
			"environment_id":   env.ID,
			"environment_name": env.Name,
			"repository_id":    env.RepositoryID,
			"expired_at":       expiry,
		})
		c.logger.Info("lock expiry notice sent", "environment_id", env.ID, "user_id", *env.LockedBy)
	}
}

func (c *Controller) retentionDue(now time.Time) bool {
	if c.retentionPeriod <= 0 && c.deliveryTTL <= 0 {
		return false
	}
	if c.lastRetention.IsZero() {
		return true
	}
	return now.Sub(c.lastRetention) >= c.retentionInterval
}

func (c *Controller) handleRetention(ctx context.Context, now time.Time) {
	if c.deployments != nil && c.retentionPeriod > 0 {
		removed, err := c.deployments.DeleteTerminalDeploymentsBefore(ctx, now.Add(-c.retentionPeriod))
		if err != nil {
			c.logger.Warn("deployment retention failed", "error", err)
		} else if removed > 0 {
			c.logger.Info("finished deployments pruned", "count", removed)
		}
	}
	if c.deliveries != nil && c.deliveryTTL > 0 {
		removed, err := c.deliveries.PruneDeliveries(ctx, now.Add(-c.deliveryTTL))
		if err != nil {
			c.logger.Warn("delivery retention failed", "error", err)
		} else if removed > 0 {
			c.logger.Debug("webhook deliveries pruned", "count", removed)
		}
	}
}
