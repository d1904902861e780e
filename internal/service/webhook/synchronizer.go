package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/internal/service/deploy"
	"github.com/splax/helios/internal/service/upsert"
)

// Tracker applies workflow-run driven deployment transitions.
type Tracker interface {
	HandleWorkflowRun(ctx context.Context, run domain.WorkflowRun) error
	HandleApprovalRequest(ctx context.Context, req deploy.ApprovalRequest) error
}

// Synchronizer applies decoded events to the local store through the upsert coordinators.
type Synchronizer struct {
	repositories *upsert.Coordinator[domain.Repository]
	users        *upsert.Coordinator[domain.User]
	branches     *upsert.Coordinator[domain.Branch]
	commits      *upsert.Coordinator[domain.Commit]
	labels       *upsert.Coordinator[domain.Label]
	issues       *upsert.Coordinator[domain.Issue]
	releases     *upsert.Coordinator[domain.Release]
	environments *upsert.Coordinator[domain.Environment]
	tracker      Tracker
	logger       *slog.Logger
}

// NewSynchronizer wires one coordinator per entity kind. tracker may be nil, in which case
// workflow-run events are ignored.
func NewSynchronizer(store repository.SyncRepository, tracker Tracker, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		repositories: upsert.New("repository", store.Repositories(), logger),
		users:        upsert.New("user", store.Users(), logger),
		branches:     upsert.New("branch", store.Branches(), logger),
		commits:      upsert.New("commit", store.Commits(), logger),
		labels:       upsert.New("label", store.Labels(), logger),
		issues:       upsert.New("issue", store.Issues(), logger),
		releases:     upsert.New("release", store.Releases(), logger),
		environments: upsert.New("environment", store.Environments(), logger),
		tracker:      tracker,
		logger:       logger.With("component", "webhook"),
	}
}

// Apply stores every entity carried by ev, parents first, and then hands workflow runs to
// the tracker. The first failure aborts the event.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) error {
	if ev.Repository != nil {
		if _, _, err := s.repositories.Upsert(ctx, id(ev.Repository.ID), *ev.Repository, mergeRepository); err != nil {
			return err
		}
	}
	for _, user := range ev.Users {
		if _, _, err := s.users.Upsert(ctx, id(user.ID), user, mergeUser); err != nil {
			return err
		}
	}
	for _, label := range ev.Labels {
		if _, _, err := s.labels.Upsert(ctx, id(label.ID), label, nil); err != nil {
			return err
		}
	}
	for _, branch := range ev.Branches {
		if _, _, err := s.branches.Upsert(ctx, branch.Key(), branch, nil); err != nil {
			return err
		}
	}
	for _, commit := range ev.Commits {
		if _, _, err := s.commits.Upsert(ctx, commit.SHA, commit, nil); err != nil {
			return err
		}
	}
	if ev.Issue != nil {
		if _, _, err := s.issues.Upsert(ctx, id(ev.Issue.ID), *ev.Issue, mergeIssue); err != nil {
			return err
		}
	}
	if ev.Release != nil {
		if _, _, err := s.releases.Upsert(ctx, id(ev.Release.ID), *ev.Release, nil); err != nil {
			return err
		}
	}
	for _, env := range ev.Environments {
		if _, _, err := s.environments.Upsert(ctx, id(env.ID), env, mergeEnvironment); err != nil {
			return err
		}
	}
	if ev.Run == nil || s.tracker == nil {
		return nil
	}
	if ev.ApprovalRequested {
		if err := s.tracker.HandleApprovalRequest(ctx, deploy.ApprovalRequest{Run: *ev.Run}); err != nil {
			return fmt.Errorf("approval request for run %d: %w", ev.Run.ID, err)
		}
		return nil
	}
	if err := s.tracker.HandleWorkflowRun(ctx, *ev.Run); err != nil {
		return fmt.Errorf("workflow run %d: %w", ev.Run.ID, err)
	}
	return nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func mergeRepository(existing, incoming domain.Repository) domain.Repository {
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = existing.CreatedAt
	}
	if incoming.PushedAt == nil {
		incoming.PushedAt = existing.PushedAt
	}
	return incoming
}

// mergeUser keeps the local notification settings.
func mergeUser(existing, incoming domain.User) domain.User {
	incoming.NotificationsEnabled = existing.NotificationsEnabled
	incoming.NotificationEmail = existing.NotificationEmail
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = existing.CreatedAt
	}
	if incoming.Name == "" {
		incoming.Name = existing.Name
	}
	if incoming.Email == "" {
		incoming.Email = existing.Email
	}
	return incoming
}

func mergeIssue(existing, incoming domain.Issue) domain.Issue {
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = existing.CreatedAt
	}
	if incoming.Kind == domain.IssueKindPullRequest && incoming.PullRequest == nil {
		incoming.PullRequest = existing.PullRequest
	}
	return incoming
}

// mergeEnvironment takes only the upstream-owned columns; lock state, settings and status
// configuration stay local.
func mergeEnvironment(existing, incoming domain.Environment) domain.Environment {
	existing.Name = incoming.Name
	existing.RepositoryID = incoming.RepositoryID
	existing.UpdatedAt = incoming.UpdatedAt
	return existing
}
