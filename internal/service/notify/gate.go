// Package notify decides whether a state change should reach a human and hands eligible
// notifications to a Sender.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

// Sender delivers a notification that already passed the gate.
type Sender interface {
	Send(ctx context.Context, user domain.User, kind domain.NotificationType, payload map[string]any) error
}

// Gate evaluates notification eligibility.
type Gate struct {
	users      repository.UserRepository
	prefs      repository.NotificationRepository
	sender     Sender
	logger     *slog.Logger
	restricted bool
	allowlist  map[string]struct{}
	staleness  time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	readyAt time.Time
}

// New constructs a Gate. The readiness timestamp starts at construction time.
func New(users repository.UserRepository, prefs repository.NotificationRepository, sender Sender, logger *slog.Logger, cfg config.APIConfig) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]struct{}, len(cfg.NotifyAllowlist))
	for _, login := range cfg.NotifyAllowlist {
		allow[strings.ToLower(strings.TrimSpace(login))] = struct{}{}
	}
	staleness := cfg.NotifyStaleness
	if staleness <= 0 {
		staleness = time.Minute
	}
	g := &Gate{
		users:      users,
		prefs:      prefs,
		sender:     sender,
		logger:     logger.With("component", "notify"),
		restricted: cfg.RestrictedStage(),
		allowlist:  allow,
		staleness:  staleness,
		now:        func() time.Time { return time.Now().UTC() },
	}
	g.readyAt = g.now()
	return g
}

// WithClock replaces the time source and resets readiness to the new clock's now.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	g.MarkReady(now())
	return g
}

// MarkReady records when the service finished start-up; events updated earlier only arrive
// through catch-up and are not actionable.
func (g *Gate) MarkReady(at time.Time) {
	g.mu.Lock()
	g.readyAt = at
	g.mu.Unlock()
}

// Eligible reports whether userID should receive a notification of kind. Any lookup
// failure answers false.
func (g *Gate) Eligible(ctx context.Context, userID int64, kind domain.NotificationType) bool {
	user, ok := g.eligibleUser(ctx, userID, kind)
	return ok && user != nil
}

func (g *Gate) eligibleUser(ctx context.Context, userID int64, kind domain.NotificationType) (*domain.User, bool) {
	user, err := g.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			g.logger.Warn("load user for notification failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	if !user.NotificationsEnabled || strings.TrimSpace(user.NotificationEmail) == "" {
		return nil, false
	}
	if g.restricted {
		if _, ok := g.allowlist[strings.ToLower(user.Login)]; !ok {
			return nil, false
		}
	}
	pref, err := g.prefs.GetPreference(ctx, userID, kind)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			g.logger.Warn("load notification preference failed", "user_id", userID, "type", kind, "error", err)
		}
		return nil, false
	}
	return user, pref.Enabled
}

// Actionable reports whether an event last updated at eventTime is recent enough to notify
// about: not before service readiness and within the staleness bound.
func (g *Gate) Actionable(eventTime time.Time) bool {
	g.mu.RLock()
	readyAt := g.readyAt
	g.mu.RUnlock()
	if eventTime.Before(readyAt) {
		return false
	}
	return g.now().Sub(eventTime) <= g.staleness
}

// Notify sends kind to userID when the gate allows it. Delivery errors are logged.
func (g *Gate) Notify(ctx context.Context, userID int64, kind domain.NotificationType, eventTime time.Time, payload map[string]any) {
	user, ok := g.eligibleUser(ctx, userID, kind)
	if !ok || user == nil {
		g.logger.Debug("notification suppressed", "user_id", userID, "type", kind)
		return
	}
	if g.sender == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["event_time"] = eventTime
	if err := g.sender.Send(ctx, *user, kind, payload); err != nil {
		g.logger.Warn("notification delivery failed", "user_id", userID, "type", kind, "error", err)
	}
}

// EnsureDefaults seeds an enabled preference row for every known type the user lacks.
func (g *Gate) EnsureDefaults(ctx context.Context, userID int64) error {
	return g.prefs.EnsurePreferences(ctx, userID, domain.NotificationTypes)
}

// Preferences lists the stored preferences of a user.
func (g *Gate) Preferences(ctx context.Context, userID int64) ([]domain.NotificationPreference, error) {
	return g.prefs.ListPreferences(ctx, userID)
}

// SetPreference stores a single preference.
func (g *Gate) SetPreference(ctx context.Context, userID int64, kind domain.NotificationType, enabled bool) (*domain.NotificationPreference, error) {
	if !knownType(kind) {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "unknown notification type %q", kind)
	}
	pref := domain.NotificationPreference{UserID: userID, Type: kind, Enabled: enabled}
	if err := g.prefs.UpsertPreference(ctx, pref); err != nil {
		return nil, err
	}
	stored, err := g.prefs.GetPreference(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateSettings writes the user's local notification switch and delivery address. Enabling
// notifications requires an address.
func (g *Gate) UpdateSettings(ctx context.Context, userID int64, enabled bool, email string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "notification email %q is not an address", email)
	}
	if enabled && email == "" {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "notification email required when notifications are enabled")
	}
	if err := g.users.UpdateNotificationSettings(ctx, userID, enabled, email); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Errorf(domain.CodeNotFound, "user %d not found", userID)
		}
		return nil, err
	}
	return g.users.GetUser(ctx, userID)
}

func knownType(kind domain.NotificationType) bool {
	for _, known := range domain.NotificationTypes {
		if known == kind {
			return true
		}
	}
	return false
}

// LogSender records notifications in the service log; mail and chat delivery are external.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, user domain.User, kind domain.NotificationType, payload map[string]any) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", user.ID, "email", user.NotificationEmail, "type", kind, "payload", payload)
	return nil
}
