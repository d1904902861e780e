package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/github"
	"github.com/splax/helios/internal/repository/memory"
	"github.com/splax/helios/internal/service/lock"
	"github.com/splax/helios/pkg/config"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []github.DispatchInput
	err   error
}

func (f *fakeDispatcher) DispatchWorkflow(_ context.Context, input github.DispatchInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	return f.err
}

type fakeApprover struct {
	token string
	input github.ApprovalInput
	calls int
	err   error
}

func (f *fakeApprover) ApproveDeployment(_ context.Context, token string, input github.ApprovalInput) error {
	f.calls++
	f.token = token
	f.input = input
	return f.err
}

type fakeTokens map[int64]string

func (f fakeTokens) Token(_ context.Context, userID int64) (string, error) {
	if token, ok := f[userID]; ok {
		return token, nil
	}
	return "", domain.ErrNotFound
}

type fakeNotifier struct {
	actionable bool
	sent       []domain.NotificationType
}

func (f *fakeNotifier) Actionable(time.Time) bool { return f.actionable }

func (f *fakeNotifier) Notify(_ context.Context, _ int64, kind domain.NotificationType, _ time.Time, _ map[string]any) {
	f.sent = append(f.sent, kind)
}

const actor int64 = 500

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo       *memory.Repository
	svc        Service
	dispatcher *fakeDispatcher
	approver   *fakeApprover
	notifier   *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	repo.PutRepository(domain.Repository{ID: 1, FullName: "acme/api"})
	repo.PutEnvironment(domain.Environment{ID: 10, RepositoryID: 1, Name: "staging", Type: domain.EnvironmentTypeTest, Enabled: true})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{DeployWorkflowFile: "deploy.yml", DefaultLockExpiration: 60}
	f := &fixture{
		repo:       repo,
		dispatcher: &fakeDispatcher{},
		approver:   &fakeApprover{},
		notifier:   &fakeNotifier{actionable: true},
	}
	f.svc = New(Dependencies{
		Deployments:  repo,
		Environments: repo,
		Repositories: repo,
		Locks:        lock.New(repo, nil, logger, cfg),
		Dispatcher:   f.dispatcher,
		Approver:     f.approver,
		Tokens:       fakeTokens{actor: "gho_actor"},
		Notifier:     f.notifier,
	}, logger, cfg)
	return f
}

func (f *fixture) request(t *testing.T) *domain.Deployment {
	t.Helper()
	dep, err := f.svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor, BranchName: "main"})
	require.NoError(t, err)
	return dep
}

func run(id int64, status, conclusion string, updatedAt time.Time) domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:           id,
		RepositoryID: 1,
		Status:       status,
		Conclusion:   conclusion,
		HTMLURL:      "https://github.com/acme/api/actions/runs/" + strconv.FormatInt(id, 10),
		UpdatedAt:    updatedAt,
	}
}

func TestMapRunStatus(t *testing.T) {
	cases := []struct {
		status, conclusion string
		want               domain.DeploymentStatus
	}{
		{"completed", "failure", domain.DeploymentFailed},
		{"completed", "startup_failure", domain.DeploymentFailed},
		{"completed", "timed_out", domain.DeploymentFailed},
		{"completed", "success", domain.DeploymentSuccess},
		{"completed", "cancelled", domain.DeploymentUnknown},
		{"completed", "neutral", domain.DeploymentUnknown},
		{"queued", "", domain.DeploymentQueued},
		{"queued", "success", domain.DeploymentQueued},
		{"in_progress", "", domain.DeploymentInProgress},
		{"pending", "", domain.DeploymentWaiting},
	}
	for _, tc := range cases {
		got, ok := MapRunStatus(tc.status, tc.conclusion)
		assert.True(t, ok, tc.status)
		assert.Equal(t, tc.want, got, "%s/%s", tc.status, tc.conclusion)
	}
	_, ok := MapRunStatus("mystery", "")
	assert.False(t, ok)
}

func TestRequestLocksAndDispatches(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)

	assert.Equal(t, domain.DeploymentWaiting, dep.Status)
	require.Len(t, f.dispatcher.calls, 1)
	call := f.dispatcher.calls[0]
	assert.Equal(t, "acme/api", call.Repository)
	assert.Equal(t, "deploy.yml", call.Workflow)
	assert.Equal(t, "main", call.Ref)
	assert.Equal(t, dep.ID, call.Inputs[DeploymentIDInput])

	env, err := f.repo.GetEnvironment(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, env.LockedByUser(actor))

	_, err = f.svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor, BranchName: "main"})
	assert.NoError(t, err, "holder may deploy again")
	_, err = f.svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor + 1, BranchName: "main"})
	assert.ErrorIs(t, err, domain.ErrLockConflict)
}

type failingDeployments struct {
	*memory.Repository
}

func (failingDeployments) CreateDeployment(context.Context, *domain.Deployment) error {
	return errors.New("insert failed")
}

func newFailingInsertService(f *fixture) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{DeployWorkflowFile: "deploy.yml", DefaultLockExpiration: 60}
	return New(Dependencies{
		Deployments:  failingDeployments{f.repo},
		Environments: f.repo,
		Repositories: f.repo,
		Locks:        lock.New(f.repo, nil, logger, cfg),
		Dispatcher:   f.dispatcher,
		Approver:     f.approver,
		Tokens:       fakeTokens{actor: "gho_actor"},
		Notifier:     f.notifier,
	}, logger, cfg)
}

func TestRequestReleasesLockWhenInsertFails(t *testing.T) {
	f := newFixture(t)
	svc := newFailingInsertService(f)

	_, err := svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor, BranchName: "main"})
	require.Error(t, err)
	assert.Empty(t, f.dispatcher.calls)

	env, err := f.repo.GetEnvironment(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, env.Locked)

	_, err = f.svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor + 1, BranchName: "main"})
	assert.NoError(t, err, "another actor can deploy after the failed insert")
}

func TestRequestKeepsExistingLockWhenInsertFails(t *testing.T) {
	f := newFixture(t)
	f.request(t)
	svc := newFailingInsertService(f)

	_, err := svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor, BranchName: "main"})
	require.Error(t, err)

	env, err := f.repo.GetEnvironment(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, env.LockedByUser(actor))
}

func TestRequestRejectsDisabledEnvironment(t *testing.T) {
	f := newFixture(t)
	f.repo.PutEnvironment(domain.Environment{ID: 11, RepositoryID: 1, Type: domain.EnvironmentTypeTest, Enabled: false})
	_, err := f.svc.Request(context.Background(), RequestInput{EnvironmentID: 11, ActorID: actor, BranchName: "main"})
	assert.ErrorIs(t, err, domain.ErrDisabled)
	assert.Empty(t, f.dispatcher.calls)
}

func TestDispatchFailureRecordsIOError(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = domain.Wrap(domain.CodeUpstreamTimeout, "dispatch", context.DeadlineExceeded)

	dep, err := f.svc.Request(context.Background(), RequestInput{EnvironmentID: 10, ActorID: actor, BranchName: "main"})
	require.Error(t, err)
	require.NotNil(t, dep)
	assert.Equal(t, domain.DeploymentIOError, dep.Status)

	stored, err := f.repo.GetDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentIOError, stored.Status)
}

func TestRunEventsDriveLifecycle(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/77")
	require.NoError(t, err)

	queued := run(77, "queued", "", t0)
	steps := []struct {
		event domain.WorkflowRun
		want  domain.DeploymentStatus
	}{
		{queued, domain.DeploymentQueued},
		{run(77, "in_progress", "", t0.Add(time.Minute)), domain.DeploymentInProgress},
		{run(77, "completed", "success", t0.Add(2*time.Minute)), domain.DeploymentSuccess},
		{queued, domain.DeploymentSuccess},
	}
	var lastStamp time.Time
	for _, step := range steps {
		require.NoError(t, f.svc.HandleWorkflowRun(ctx, step.event))
		stored, err := f.repo.GetDeployment(ctx, dep.ID)
		require.NoError(t, err)
		assert.Equal(t, step.want, stored.Status)
		assert.False(t, stored.StatusUpdatedAt.Before(lastStamp), "status timestamp must not go backwards")
		lastStamp = stored.StatusUpdatedAt
	}
	assert.Empty(t, f.notifier.sent)
}

func TestStaleReplayDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/78")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleWorkflowRun(ctx, run(78, "in_progress", "", t0.Add(time.Minute))))
	require.NoError(t, f.svc.HandleWorkflowRun(ctx, run(78, "queued", "", t0)))

	stored, err := f.repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentInProgress, stored.Status)
}

func TestRunClaimsDeploymentByTitle(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)
	ctx := context.Background()

	event := run(90, "queued", "", t0)
	event.DisplayTitle = "Deploy main (" + dep.ID + ")"
	require.NoError(t, f.svc.HandleWorkflowRun(ctx, event))

	stored, err := f.repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentQueued, stored.Status)
	require.NotNil(t, stored.WorkflowRunID)
	assert.Equal(t, int64(90), *stored.WorkflowRunID)

	require.NoError(t, f.svc.HandleWorkflowRun(ctx, run(90, "in_progress", "", t0.Add(time.Second))))
	stored, err = f.repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentInProgress, stored.Status)
}

func TestUnknownRunIsCorrelationMiss(t *testing.T) {
	f := newFixture(t)
	f.request(t)
	err := f.svc.HandleWorkflowRun(context.Background(), run(404, "queued", "", t0))
	assert.ErrorIs(t, err, domain.ErrCorrelationMiss)
}

func TestFailedRunNotifiesCreator(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/31")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleWorkflowRun(ctx, run(31, "completed", "failure", t0)))
	assert.Equal(t, []domain.NotificationType{domain.NotificationDeploymentFailed}, f.notifier.sent)
}

func TestStaleFailureIsNotNotified(t *testing.T) {
	f := newFixture(t)
	f.notifier.actionable = false
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/32")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleWorkflowRun(ctx, run(32, "completed", "timed_out", t0)))
	stored, err := f.repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentFailed, stored.Status)
	assert.Empty(t, f.notifier.sent)
}

func TestApprovalUsesCreatorToken(t *testing.T) {
	f := newFixture(t)
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/40")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleApprovalRequest(ctx, ApprovalRequest{Run: run(40, "waiting", "", t0)}))
	assert.Equal(t, 1, f.approver.calls)
	assert.Equal(t, "gho_actor", f.approver.token)
	assert.Equal(t, "acme/api", f.approver.input.Repository)
	assert.Equal(t, []int64{10}, f.approver.input.EnvironmentIDs)
}

func TestApprovalFailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	f.approver.err = domain.Wrap(domain.CodeUpstreamError, "approve", io.ErrUnexpectedEOF)
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/41")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleApprovalRequest(ctx, ApprovalRequest{Run: run(41, "waiting", "", t0)}))
	stored, err := f.repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentWaiting, stored.Status)
}

func TestApprovalPolicyCanWithhold(t *testing.T) {
	f := newFixture(t)
	f.svc.deps.Policy = func(context.Context, domain.Deployment, domain.Environment) bool { return false }
	dep := f.request(t)
	ctx := context.Background()
	_, err := f.svc.AttachRun(ctx, dep.ID, "https://github.com/acme/api/actions/runs/42")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleApprovalRequest(ctx, ApprovalRequest{Run: run(42, "waiting", "", t0)}))
	assert.Zero(t, f.approver.calls)
}
