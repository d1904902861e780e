package environment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository/memory"
	"github.com/splax/helios/internal/service/lock"
	"github.com/splax/helios/pkg/config"
)

type recordingPublisher struct {
	kinds []string
}

func (p *recordingPublisher) Publish(_ int64, kind string, _ any) {
	p.kinds = append(p.kinds, kind)
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.APIConfig {
	return config.APIConfig{StatusHistoryLimit: 5, DefaultLockExpiration: 60, DefaultLockReservation: 30}
}

func setup(t *testing.T) (*memory.Repository, Service, lock.Service) {
	t.Helper()
	repo := memory.New()
	repo.PutEnvironment(domain.Environment{
		ID:           1,
		RepositoryID: 9,
		Name:         "qa",
		Type:         domain.EnvironmentTypeTest,
		Enabled:      true,
		UpdatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	locks := lock.New(repo, nil, discard(), testConfig())
	svc := New(repo, locks, &recordingPublisher{}, discard(), testConfig())
	return repo, svc, locks
}

func TestDisableLockedEnvironmentRejected(t *testing.T) {
	repo, svc, locks := setup(t)
	ctx := context.Background()
	_, err := locks.Lock(ctx, 1, 42)
	require.NoError(t, err)

	_, err = svc.Disable(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrLockedCannotDisable)

	env, err := repo.GetEnvironment(ctx, 1)
	require.NoError(t, err)
	assert.True(t, env.Enabled)
	assert.True(t, env.LockedByUser(42))
}

func TestDisableUnlockedEnvironment(t *testing.T) {
	_, svc, locks := setup(t)
	ctx := context.Background()

	env, err := svc.Disable(ctx, 1)
	require.NoError(t, err)
	assert.False(t, env.Enabled)

	_, err = locks.Lock(ctx, 1, 42)
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestUpdateValidatesInput(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, UpdateInput{EnvironmentID: 1, Type: strPtr("STAGING")})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Update(ctx, UpdateInput{EnvironmentID: 1, StatusURL: strPtr("ftp://example")})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Update(ctx, UpdateInput{EnvironmentID: 1, LockExpirationThresholdMinutes: intPtr(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Update(ctx, UpdateInput{EnvironmentID: 77, Enabled: boolPtr(true)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateStatusCheckConfig(t *testing.T) {
	_, svc, _ := setup(t)
	env, err := svc.Update(context.Background(), UpdateInput{
		EnvironmentID:   1,
		StatusCheckType: strPtr("json_status"),
		StatusURL:       strPtr("https://qa.example.com/health"),
		Type:            strPtr("production"),
	})
	require.NoError(t, err)
	require.NotNil(t, env.StatusCheckType)
	assert.Equal(t, domain.StatusCheckJSON, *env.StatusCheckType)
	assert.Equal(t, domain.EnvironmentTypeProduction, env.Type)
	assert.Equal(t, "qa", env.Name)
}

func TestThresholdChangeRecomputesHeldLock(t *testing.T) {
	_, svc, locks := setup(t)
	ctx := context.Background()
	locked, err := locks.Lock(ctx, 1, 42)
	require.NoError(t, err)

	env, err := svc.Update(ctx, UpdateInput{EnvironmentID: 1, LockExpirationThresholdMinutes: intPtr(5)})
	require.NoError(t, err)
	require.NotNil(t, env.LockWillExpireAt)
	assert.Equal(t, locked.LockedAt.Add(5*time.Minute), *env.LockWillExpireAt)
}

func TestRepositorySettingsTriggerSweep(t *testing.T) {
	_, svc, locks := setup(t)
	ctx := context.Background()
	locked, err := locks.Lock(ctx, 1, 42)
	require.NoError(t, err)

	swept, err := svc.UpdateRepositorySettings(ctx, domain.RepositorySettings{
		RepositoryID:                    9,
		LockExpirationThresholdMinutes:  intPtr(240),
		LockReservationThresholdMinutes: intPtr(0),
	})
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, locked.LockedAt.Add(240*time.Minute), *swept[0].LockWillExpireAt)
	assert.Equal(t, locked.LockedAt.Add(30*time.Minute), *swept[0].LockReservationExpiresAt)

	settings, err := svc.RepositorySettings(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, settings.LockReservationThresholdMinutes)
}
