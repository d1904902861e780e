package webhook

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository/memory"
	"github.com/splax/helios/internal/service/deploy"
)

type recordingTracker struct {
	mu        sync.Mutex
	runs      []domain.WorkflowRun
	approvals []deploy.ApprovalRequest
	err       error
}

func (t *recordingTracker) HandleWorkflowRun(_ context.Context, run domain.WorkflowRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = append(t.runs, run)
	return t.err
}

func (t *recordingTracker) HandleApprovalRequest(_ context.Context, req deploy.ApprovalRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.approvals = append(t.approvals, req)
	return t.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyStoresEntitiesOnce(t *testing.T) {
	repo := memory.New()
	syncer := NewSynchronizer(repo, nil, testLogger())
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{
		Repository: &domain.Repository{ID: 1, FullName: "acme/api", UpdatedAt: at},
		Users:      []domain.User{{ID: 2, Login: "octo", UpdatedAt: at}},
		Labels:     []domain.Label{{ID: 3, RepositoryID: 1, Name: "bug", UpdatedAt: at}},
		Branches:   []domain.Branch{{RepositoryID: 1, Name: "main", CommitSHA: "c1", UpdatedAt: at}},
		Commits:    []domain.Commit{{SHA: "c1", RepositoryID: 1, UpdatedAt: at}},
		Issue:      &domain.Issue{ID: 4, RepositoryID: 1, Kind: domain.IssueKindIssue, UpdatedAt: at},
		Release:    &domain.Release{ID: 5, RepositoryID: 1, TagName: "v1", UpdatedAt: at},
	}

	ctx := context.Background()
	require.NoError(t, syncer.Apply(ctx, ev))
	require.NoError(t, syncer.Apply(ctx, ev))

	for _, kind := range []string{"repository", "user", "label", "branch", "commit", "issue", "release"} {
		assert.Equal(t, 1, repo.Count(kind), kind)
	}
}

func TestApplyKeepsLocalFields(t *testing.T) {
	repo := memory.New()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.PutUser(domain.User{ID: 2, Login: "octo", NotificationsEnabled: true, NotificationEmail: "octo@acme.dev", UpdatedAt: old})
	locked := int64(2)
	lockedAt := old.Add(time.Hour)
	repo.PutEnvironment(domain.Environment{
		ID: 70, RepositoryID: 1, Name: "stage", Enabled: true, Locked: true, LockedBy: &locked, LockedAt: &lockedAt,
		StatusURL: "https://stage.acme.dev/health", UpdatedAt: old,
	})
	syncer := NewSynchronizer(repo, nil, testLogger())

	newer := old.Add(24 * time.Hour)
	err := syncer.Apply(context.Background(), Event{
		Users:        []domain.User{{ID: 2, Login: "octocat", UpdatedAt: newer}},
		Environments: []domain.Environment{{ID: 70, RepositoryID: 1, Name: "staging", Type: domain.EnvironmentTypeTest, UpdatedAt: newer}},
	})
	require.NoError(t, err)

	user, err := repo.GetUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Login)
	assert.True(t, user.NotificationsEnabled)
	assert.Equal(t, "octo@acme.dev", user.NotificationEmail)

	env, err := repo.GetEnvironment(context.Background(), 70)
	require.NoError(t, err)
	assert.Equal(t, "staging", env.Name)
	assert.True(t, env.Enabled)
	assert.True(t, env.LockedByUser(2))
	assert.Equal(t, "https://stage.acme.dev/health", env.StatusURL)
	assert.Equal(t, newer, env.UpdatedAt)
}

func TestApplyIgnoresOlderPayload(t *testing.T) {
	repo := memory.New()
	syncer := NewSynchronizer(repo, nil, testLogger())
	ctx := context.Background()
	newer := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(t, syncer.Apply(ctx, Event{Repository: &domain.Repository{ID: 1, Description: "new", UpdatedAt: newer}}))
	require.NoError(t, syncer.Apply(ctx, Event{Repository: &domain.Repository{ID: 1, Description: "old", UpdatedAt: older}}))

	stored, err := repo.GetRepository(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Description)
}

func TestApplyRoutesRunsToTracker(t *testing.T) {
	tracker := &recordingTracker{}
	syncer := NewSynchronizer(memory.New(), tracker, testLogger())
	ctx := context.Background()
	run := domain.WorkflowRun{ID: 9, Status: domain.RunStatusQueued}

	require.NoError(t, syncer.Apply(ctx, Event{Run: &run}))
	require.NoError(t, syncer.Apply(ctx, Event{Run: &run, ApprovalRequested: true}))
	assert.Len(t, tracker.runs, 1)
	require.Len(t, tracker.approvals, 1)
	assert.Equal(t, int64(9), tracker.approvals[0].Run.ID)

	tracker.err = domain.ErrCorrelationMiss
	err := syncer.Apply(ctx, Event{Run: &run})
	assert.ErrorIs(t, err, domain.ErrCorrelationMiss)
}

func TestConcurrentFirstSightingsConverge(t *testing.T) {
	repo := memory.New()
	syncer := NewSynchronizer(repo, nil, testLogger())
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := domain.User{ID: 42, Login: "racer", UpdatedAt: base.Add(time.Duration(i%6) * time.Minute)}
			assert.NoError(t, syncer.Apply(context.Background(), Event{Users: []domain.User{user}}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.Count("user"))
	user, err := repo.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), user.UpdatedAt)
}
