package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/github"
	"github.com/splax/helios/internal/metrics"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/config"
)

// DeploymentIDInput is the workflow_dispatch input carrying the deployment id. Workflows put
// it in their run-name so the first run event can be correlated by title.
const DeploymentIDInput = "helios_deployment_id"

// Locker claims the environment a deployment targets.
type Locker interface {
	Lock(ctx context.Context, environmentID, actorID int64) (*domain.Environment, error)
	Unlock(ctx context.Context, environmentID, actorID int64) (*domain.Environment, error)
}

// WorkflowDispatcher starts the CI workflow for a deployment.
type WorkflowDispatcher interface {
	DispatchWorkflow(ctx context.Context, input github.DispatchInput) error
}

// Approver approves pending deployment reviews with a user's token.
type Approver interface {
	ApproveDeployment(ctx context.Context, userToken string, input github.ApprovalInput) error
}

// TokenProvider returns a user's upstream access token.
type TokenProvider interface {
	Token(ctx context.Context, userID int64) (string, error)
}

// Notifier delivers failure notifications and filters stale events.
type Notifier interface {
	Actionable(eventTime time.Time) bool
	Notify(ctx context.Context, userID int64, kind domain.NotificationType, eventTime time.Time, payload map[string]any)
}

// Publisher receives deployment changes for live subscribers.
type Publisher interface {
	Publish(repositoryID int64, kind string, payload any)
}

// ApprovalPolicy decides whether a pending review is granted automatically.
type ApprovalPolicy func(ctx context.Context, deployment domain.Deployment, env domain.Environment) bool

// AlwaysApprove grants every review.
func AlwaysApprove(context.Context, domain.Deployment, domain.Environment) bool { return true }

// Dependencies groups the collaborators of Service. Approver, Tokens, Notifier and Publisher
// are optional.
type Dependencies struct {
	Deployments  repository.DeploymentRepository
	Environments repository.EnvironmentRepository
	Repositories repository.RepoRepository
	Locks        Locker
	Dispatcher   WorkflowDispatcher
	Approver     Approver
	Tokens       TokenProvider
	Notifier     Notifier
	Publisher    Publisher
	Policy       ApprovalPolicy
}

// Service tracks deployments from request to terminal status.
type Service struct {
	deps   Dependencies
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New returns a deployment service.
func New(deps Dependencies, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Policy == nil {
		deps.Policy = AlwaysApprove
	}
	return Service{
		deps:   deps,
		logger: logger.With("component", "deploy"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of s using now as time source.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

// MapRunStatus translates a workflow run (status, conclusion) pair. The second result is
// false for statuses Helios does not track.
func MapRunStatus(status, conclusion string) (domain.DeploymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case domain.RunStatusPending, domain.RunStatusRequested, domain.RunStatusWaiting:
		return domain.DeploymentWaiting, true
	case domain.RunStatusQueued:
		return domain.DeploymentQueued, true
	case domain.RunStatusInProgress:
		return domain.DeploymentInProgress, true
	case domain.RunStatusCompleted:
		switch strings.ToLower(strings.TrimSpace(conclusion)) {
		case domain.RunConclusionSuccess:
			return domain.DeploymentSuccess, true
		case domain.RunConclusionFailure, domain.RunConclusionStartupFailure, domain.RunConclusionTimedOut:
			return domain.DeploymentFailed, true
		default:
			return domain.DeploymentUnknown, true
		}
	}
	return "", false
}

// RequestInput captures a deployment request.
type RequestInput struct {
	EnvironmentID int64
	ActorID       int64
	BranchName    string
	CommitSHA     string
	BuildTag      string
	Params        map[string]string
}

// Request admits and dispatches a deployment. The environment must be enabled and either
// free (it is then locked for the actor) or already held by the actor. A failed dispatch
// leaves the deployment in IO_ERROR and returns it together with the error.
func (s Service) Request(ctx context.Context, input RequestInput) (*domain.Deployment, error) {
	branch := strings.TrimSpace(input.BranchName)
	if input.EnvironmentID <= 0 || input.ActorID <= 0 || branch == "" {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "environment, actor and branch required")
	}
	env, err := s.deps.Environments.GetEnvironment(ctx, input.EnvironmentID)
	if err != nil {
		return nil, notFound("environment", err)
	}
	if !env.Enabled {
		return nil, domain.ErrDisabled
	}
	repo, err := s.deps.Repositories.GetRepository(ctx, env.RepositoryID)
	if err != nil {
		return nil, notFound("repository", err)
	}
	alreadyHeld := env.LockedByUser(input.ActorID)
	if _, err := s.deps.Locks.Lock(ctx, env.ID, input.ActorID); err != nil {
		return nil, err
	}

	now := s.now()
	params := make(map[string]string, len(input.Params))
	for k, v := range input.Params {
		params[k] = v
	}
	dep := &domain.Deployment{
		ID:              uuid.NewString(),
		RepositoryID:    env.RepositoryID,
		EnvironmentID:   env.ID,
		CreatorID:       input.ActorID,
		Status:          domain.DeploymentWaiting,
		StatusUpdatedAt: now,
		BranchName:      branch,
		CommitSHA:       strings.TrimSpace(input.CommitSHA),
		BuildTag:        strings.TrimSpace(input.BuildTag),
		WorkflowParams:  params,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.deps.Deployments.CreateDeployment(ctx, dep); err != nil {
		if !alreadyHeld {
			// The lock was taken for this deployment only.
			if _, unlockErr := s.deps.Locks.Unlock(ctx, env.ID, input.ActorID); unlockErr != nil {
				s.logger.Error("release lock after failed deployment insert", "environment_id", env.ID, "actor_id", input.ActorID, "error", unlockErr)
			}
		}
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment requested", "deployment_id", dep.ID, "environment_id", env.ID, "actor_id", input.ActorID, "branch", branch)
	metrics.DeploymentTransitions.WithLabelValues(string(dep.Status)).Inc()

	inputs := map[string]string{}
	for k, v := range params {
		inputs[k] = v
	}
	inputs[DeploymentIDInput] = dep.ID
	inputs["environment"] = env.Name
	if dep.BuildTag != "" {
		inputs["build_tag"] = dep.BuildTag
	}
	dispatchErr := s.deps.Dispatcher.DispatchWorkflow(ctx, github.DispatchInput{
		Repository: repo.FullName,
		Workflow:   s.cfg.DeployWorkflowFile,
		Ref:        branch,
		Inputs:     inputs,
	})
	if dispatchErr == nil {
		s.publish(*dep)
		return dep, nil
	}

	s.logger.Error("workflow dispatch failed", "deployment_id", dep.ID, "error", dispatchErr)
	update := domain.DeploymentStatusUpdate{
		DeploymentID:    dep.ID,
		Status:          domain.DeploymentIOError,
		StatusUpdatedAt: s.now(),
	}
	if _, err := s.deps.Deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("record dispatch failure failed", "deployment_id", dep.ID, "error", err)
	} else {
		dep.Status = update.Status
		dep.StatusUpdatedAt = update.StatusUpdatedAt
		metrics.DeploymentTransitions.WithLabelValues(string(dep.Status)).Inc()
	}
	s.publish(*dep)
	return dep, dispatchErr
}

// Get returns a deployment by id.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deps.Deployments.GetDeployment(ctx, strings.TrimSpace(deploymentID))
	if err != nil {
		return nil, notFound("deployment", err)
	}
	return dep, nil
}

// AttachRun records the workflow run that executes a deployment.
func (s Service) AttachRun(ctx context.Context, deploymentID, runURL string) (*domain.Deployment, error) {
	runID, ok := domain.ParseRunID(runURL)
	if !ok {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "run url %q has no run id", runURL)
	}
	if err := s.deps.Deployments.AttachWorkflowRun(ctx, deploymentID, strings.TrimSpace(runURL), runID); err != nil {
		return nil, notFound("deployment", err)
	}
	return s.Get(ctx, deploymentID)
}

// HandleWorkflowRun applies a workflow_run event. Events for terminal deployments, events
// that would move a deployment backwards and events whose watermark is not newer than the
// last applied one are ignored. An event matching no deployment yields CORRELATION_MISS.
func (s Service) HandleWorkflowRun(ctx context.Context, run domain.WorkflowRun) error {
	status, ok := MapRunStatus(run.Status, run.Conclusion)
	if !ok {
		s.logger.Debug("workflow run status not tracked", "run_id", run.ID, "status", run.Status)
		return nil
	}
	dep, err := s.correlate(ctx, run)
	if err != nil {
		return err
	}
	if dep.Status.Terminal() {
		s.logger.Debug("ignoring run event for terminal deployment", "deployment_id", dep.ID, "status", dep.Status, "event_status", status)
		return nil
	}
	if status.Rank() < dep.Status.Rank() {
		s.logger.Debug("ignoring regressive run event", "deployment_id", dep.ID, "status", dep.Status, "event_status", status)
		return nil
	}

	watermark := run.UpdatedAt
	update := domain.DeploymentStatusUpdate{
		DeploymentID:    dep.ID,
		Status:          status,
		StatusUpdatedAt: s.now(),
		RunWatermark:    &watermark,
	}
	changed, err := s.deps.Deployments.UpdateDeploymentStatus(ctx, update)
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", dep.ID, err)
	}
	if !changed {
		s.logger.Debug("ignoring stale run event", "deployment_id", dep.ID, "run_updated_at", run.UpdatedAt)
		return nil
	}
	s.logger.Info("deployment status changed", "deployment_id", dep.ID, "from", dep.Status, "to", status, "run_id", run.ID)
	metrics.DeploymentTransitions.WithLabelValues(string(status)).Inc()

	dep.Status = status
	dep.StatusUpdatedAt = update.StatusUpdatedAt
	dep.RunWatermark = &watermark
	s.publish(*dep)

	if status == domain.DeploymentFailed && s.deps.Notifier != nil && s.deps.Notifier.Actionable(run.UpdatedAt) {
		s.deps.Notifier.Notify(ctx, dep.CreatorID, domain.NotificationDeploymentFailed, run.UpdatedAt, map[string]any{
			"deployment_id":  dep.ID,
			"environment_id": dep.EnvironmentID,
			"branch":         dep.BranchName,
			"run_url":        run.HTMLURL,
			"conclusion":     run.Conclusion,
		})
	}
	return nil
}

// ApprovalRequest is a pending deployment review raised by CI.
type ApprovalRequest struct {
	Run            domain.WorkflowRun
	EnvironmentIDs []int64
}

// HandleApprovalRequest approves a pending review on behalf of the deployment's creator
// when the policy allows it. Approval failures are logged and never change the status.
func (s Service) HandleApprovalRequest(ctx context.Context, req ApprovalRequest) error {
	dep, err := s.correlate(ctx, req.Run)
	if err != nil {
		return err
	}
	logger := s.logger.With("deployment_id", dep.ID, "run_id", req.Run.ID)
	env, err := s.deps.Environments.GetEnvironment(ctx, dep.EnvironmentID)
	if err != nil {
		return notFound("environment", err)
	}
	if !s.deps.Policy(ctx, *dep, *env) {
		logger.Info("deployment approval withheld by policy")
		return nil
	}
	if s.deps.Approver == nil || s.deps.Tokens == nil {
		logger.Warn("deployment approval skipped: no approver configured")
		return nil
	}
	repo, err := s.deps.Repositories.GetRepository(ctx, dep.RepositoryID)
	if err != nil {
		return notFound("repository", err)
	}
	token, err := s.deps.Tokens.Token(ctx, dep.CreatorID)
	if err != nil {
		logger.Warn("deployment approval skipped: no user token", "creator_id", dep.CreatorID, "error", err)
		return nil
	}
	envIDs := req.EnvironmentIDs
	if len(envIDs) == 0 {
		envIDs = []int64{env.ID}
	}
	err = s.deps.Approver.ApproveDeployment(ctx, token, github.ApprovalInput{
		Repository:     repo.FullName,
		RunID:          req.Run.ID,
		EnvironmentIDs: envIDs,
		Comment:        "Approved by Helios for deployment " + dep.ID,
	})
	if err != nil {
		logger.Warn("deployment approval failed", "code", domain.CodeOf(err), "error", err)
		return nil
	}
	logger.Info("deployment approved", "environment_ids", envIDs)
	return nil
}

// correlate finds the deployment for run by its stored run id, falling back to a WAITING
// deployment whose id appears in the run title, which is then bound to the run.
func (s Service) correlate(ctx context.Context, run domain.WorkflowRun) (*domain.Deployment, error) {
	runID := run.ID
	if runID <= 0 {
		if parsed, ok := domain.ParseRunID(run.HTMLURL); ok {
			runID = parsed
		}
	}
	if runID <= 0 {
		return nil, domain.Errorf(domain.CodeCorrelationMiss, "workflow run has no id")
	}
	dep, err := s.deps.Deployments.FindDeploymentByRunID(ctx, runID)
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find deployment for run %d: %w", runID, err)
	}

	waiting, err := s.deps.Deployments.ListWaitingDeployments(ctx, run.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("list waiting deployments: %w", err)
	}
	for i := range waiting {
		candidate := waiting[i]
		if !strings.Contains(run.DisplayTitle, candidate.ID) && !strings.Contains(run.Name, candidate.ID) {
			continue
		}
		runURL := run.HTMLURL
		if _, ok := domain.ParseRunID(runURL); !ok {
			runURL = fmt.Sprintf("runs/%d", runID)
		}
		if err := s.deps.Deployments.AttachWorkflowRun(ctx, candidate.ID, runURL, runID); err != nil {
			return nil, fmt.Errorf("attach run %d to %s: %w", runID, candidate.ID, err)
		}
		candidate.WorkflowRunURL = runURL
		candidate.WorkflowRunID = &runID
		s.logger.Info("workflow run claimed deployment", "deployment_id", candidate.ID, "run_id", runID)
		return &candidate, nil
	}
	return nil, domain.Errorf(domain.CodeCorrelationMiss, "no deployment for run %d", runID)
}

func notFound(what string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Wrap(domain.CodeNotFound, what+" not found", err)
	}
	return err
}

func (s Service) publish(dep domain.Deployment) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.Publish(dep.RepositoryID, "deployment.updated", dep)
}
