package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/splax/helios/internal/domain"
)

// Event categories as sent in the X-GitHub-Event header.
const (
	CategoryPing             = "ping"
	CategoryRepository       = "repository"
	CategoryPush             = "push"
	CategoryCreate           = "create"
	CategoryDelete           = "delete"
	CategoryPullRequest      = "pull_request"
	CategoryIssues           = "issues"
	CategoryLabel            = "label"
	CategoryRelease          = "release"
	CategoryMember           = "member"
	CategoryOrganization     = "organization"
	CategoryEnvironment      = "environment"
	CategoryWorkflowRun      = "workflow_run"
	CategoryDeploymentReview = "deployment_review"
	CategoryProtectionRule   = "deployment_protection_rule"
)

// Envelope is a raw delivery as received from GitHub or read off the stream.
type Envelope struct {
	Category   string    `json:"category"`
	DeliveryID string    `json:"delivery_id"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Event is a decoded delivery. Only the fields relevant to its category are set.
type Event struct {
	Category   string
	DeliveryID string
	Action     string

	Repository   *domain.Repository
	Users        []domain.User
	Branches     []domain.Branch
	Commits      []domain.Commit
	Labels       []domain.Label
	Issue        *domain.Issue
	Release      *domain.Release
	Environments []domain.Environment

	// Run is set for workflow runs and approval requests.
	Run *domain.WorkflowRun
	// ApprovalRequested marks a run waiting for a deployment review.
	ApprovalRequested bool
}

// Ordered reports whether the event must go through the sequential lane.
func (e Event) Ordered() bool {
	return e.Run != nil
}

// EntityID names the primary entity for logs.
func (e Event) EntityID() string {
	switch {
	case e.Run != nil:
		return fmt.Sprintf("run:%d", e.Run.ID)
	case e.Issue != nil:
		return fmt.Sprintf("issue:%d", e.Issue.ID)
	case e.Release != nil:
		return fmt.Sprintf("release:%d", e.Release.ID)
	case len(e.Environments) > 0:
		return fmt.Sprintf("environment:%d", e.Environments[0].ID)
	case len(e.Labels) > 0:
		return fmt.Sprintf("label:%d", e.Labels[0].ID)
	case len(e.Branches) > 0:
		return "branch:" + e.Branches[0].Name
	case e.Repository != nil:
		return fmt.Sprintf("repository:%d", e.Repository.ID)
	}
	return ""
}

// Empty reports whether decoding produced nothing to apply.
func (e Event) Empty() bool {
	return e.Repository == nil && len(e.Users) == 0 && len(e.Branches) == 0 && len(e.Commits) == 0 &&
		len(e.Labels) == 0 && e.Issue == nil && e.Release == nil && len(e.Environments) == 0 && e.Run == nil
}

type ghUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	Type      string `json:"type"`
}

type ghRepository struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	HTMLURL       string    `json:"html_url"`
	Description   string    `json:"description"`
	Private       bool      `json:"private"`
	Archived      bool      `json:"archived"`
	DefaultBranch string    `json:"default_branch"`
	PushedAt      flexTime  `json:"pushed_at"`
	CreatedAt     flexTime  `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Owner         *ghUser   `json:"owner"`
}

type ghLabel struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

type ghIssue struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	User      *ghUser    `json:"user"`
	Labels    []ghLabel  `json:"labels"`
	ClosedAt  *time.Time `json:"closed_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ghPullRequest struct {
	ghIssue
	Draft    bool       `json:"draft"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	Head     ghRef      `json:"head"`
	Base     ghRef      `json:"base"`
}

type ghRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghRelease struct {
	ID          int64      `json:"id"`
	TagName     string     `json:"tag_name"`
	Name        string     `json:"name"`
	Body        string     `json:"body"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	Author      *ghUser    `json:"author"`
	PublishedAt *time.Time `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

type ghCommit struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"author"`
}

type ghEnvironment struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ghWorkflowRun struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayTitle string    `json:"display_title"`
	HeadBranch   string    `json:"head_branch"`
	HeadSHA      string    `json:"head_sha"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	HTMLURL      string    `json:"html_url"`
	Actor        *ghUser   `json:"actor"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ghMembership struct {
	User *ghUser `json:"user"`
}

type payload struct {
	Action       string          `json:"action"`
	Repository   *ghRepository   `json:"repository"`
	Sender       *ghUser         `json:"sender"`
	Label        *ghLabel        `json:"label"`
	Issue        *ghIssue        `json:"issue"`
	PullRequest  *ghPullRequest  `json:"pull_request"`
	Release      *ghRelease      `json:"release"`
	Member       *ghUser         `json:"member"`
	Membership   *ghMembership   `json:"membership"`
	Environment  json.RawMessage `json:"environment"`
	Environments []ghEnvironment `json:"environments"`
	WorkflowRun  *ghWorkflowRun  `json:"workflow_run"`
	Ref          string          `json:"ref"`
	RefType      string          `json:"ref_type"`
	After        string          `json:"after"`
	Deleted      bool            `json:"deleted"`
	Commits      []ghCommit      `json:"commits"`
	HeadCommit   *ghCommit       `json:"head_commit"`
}

// Decode parses a delivery into an Event. Unknown categories decode to an empty event.
func Decode(env Envelope) (Event, error) {
	ev := Event{Category: env.Category, DeliveryID: env.DeliveryID}
	if env.Category == CategoryPing {
		return ev, nil
	}
	var p payload
	if err := json.Unmarshal(env.Body, &p); err != nil {
		return ev, domain.Wrap(domain.CodeInvalidArgument, "decode "+env.Category+" payload", err)
	}
	ev.Action = p.Action
	observed := env.ReceivedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	var repoID int64
	if p.Repository != nil {
		repo := p.Repository.toDomain()
		repoID = repo.ID
		ev.Repository = &repo
		if p.Repository.Owner != nil {
			ev.addUser(*p.Repository.Owner, repo.UpdatedAt)
		}
	}
	if p.Sender != nil {
		ev.addUser(*p.Sender, observed)
	}

	switch env.Category {
	case CategoryRepository:
	case CategoryPush:
		decodePush(&ev, p, repoID)
	case CategoryCreate:
		if p.RefType == "branch" && p.Ref != "" {
			ev.Branches = append(ev.Branches, domain.Branch{RepositoryID: repoID, Name: p.Ref, UpdatedAt: observed})
		}
	case CategoryDelete:
		// Branch removal is not synced; the repository and sender still are.
	case CategoryIssues:
		if p.Issue != nil {
			issue := p.Issue.toDomain(repoID, domain.IssueKindIssue)
			ev.Issue = &issue
			ev.addIssueRefs(*p.Issue, repoID)
		}
	case CategoryPullRequest:
		if p.PullRequest != nil {
			issue := p.PullRequest.toDomain(repoID, domain.IssueKindPullRequest)
			issue.PullRequest = &domain.PullRequestDetails{
				Draft:    p.PullRequest.Draft,
				Merged:   p.PullRequest.Merged,
				MergedAt: p.PullRequest.MergedAt,
				HeadRef:  p.PullRequest.Head.Ref,
				HeadSHA:  p.PullRequest.Head.SHA,
				BaseRef:  p.PullRequest.Base.Ref,
			}
			ev.Issue = &issue
			ev.addIssueRefs(p.PullRequest.ghIssue, repoID)
		}
	case CategoryLabel:
		if p.Label != nil && p.Action != "deleted" {
			ev.Labels = append(ev.Labels, p.Label.toDomain(repoID, observed))
		}
	case CategoryRelease:
		if p.Release != nil {
			release := p.Release.toDomain(repoID)
			ev.Release = &release
			if p.Release.Author != nil {
				ev.addUser(*p.Release.Author, release.UpdatedAt)
			}
		}
	case CategoryMember:
		if p.Member != nil {
			ev.addUser(*p.Member, observed)
		}
	case CategoryOrganization:
		if p.Membership != nil && p.Membership.User != nil {
			ev.addUser(*p.Membership.User, observed)
		}
	case CategoryEnvironment:
		if err := decodeEnvironments(&ev, p, repoID); err != nil {
			return ev, err
		}
	case CategoryWorkflowRun:
		if p.WorkflowRun != nil {
			run := p.WorkflowRun.toDomain(repoID)
			ev.Run = &run
		}
	case CategoryDeploymentReview, CategoryProtectionRule:
		if p.WorkflowRun != nil && (p.Action == "requested" || p.Action == "") {
			run := p.WorkflowRun.toDomain(repoID)
			ev.Run = &run
			ev.ApprovalRequested = true
		}
	}
	return ev, nil
}

func decodePush(ev *Event, p payload, repoID int64) {
	if !strings.HasPrefix(p.Ref, "refs/heads/") || p.Deleted {
		return
	}
	var branchTime time.Time
	for _, c := range p.Commits {
		commit := c.toDomain(repoID)
		ev.Commits = append(ev.Commits, commit)
		if commit.CommittedAt.After(branchTime) {
			branchTime = commit.CommittedAt
		}
	}
	if p.HeadCommit != nil && p.HeadCommit.Timestamp.After(branchTime) {
		branchTime = p.HeadCommit.Timestamp
	}
	if branchTime.IsZero() {
		return
	}
	ev.Branches = append(ev.Branches, domain.Branch{
		RepositoryID: repoID,
		Name:         strings.TrimPrefix(p.Ref, "refs/heads/"),
		CommitSHA:    p.After,
		UpdatedAt:    branchTime,
	})
}

// decodeEnvironments accepts either a single environment object or a list of them.
func decodeEnvironments(ev *Event, p payload, repoID int64) error {
	list := p.Environments
	if len(p.Environment) > 0 && p.Environment[0] == '{' {
		var single ghEnvironment
		if err := json.Unmarshal(p.Environment, &single); err != nil {
			return domain.Wrap(domain.CodeInvalidArgument, "decode environment", err)
		}
		list = append(list, single)
	}
	for _, e := range list {
		if e.ID == 0 || e.Name == "" {
			continue
		}
		ev.Environments = append(ev.Environments, domain.Environment{
			ID:           e.ID,
			RepositoryID: repoID,
			Name:         e.Name,
			Type:         domain.EnvironmentTypeTest,
			CreatedAt:    e.CreatedAt,
			UpdatedAt:    e.UpdatedAt,
		})
	}
	return nil
}

func (e *Event) addUser(u ghUser, watermark time.Time) {
	if u.ID == 0 {
		return
	}
	for _, existing := range e.Users {
		if existing.ID == u.ID {
			return
		}
	}
	e.Users = append(e.Users, domain.User{
		ID:        u.ID,
		Login:     u.Login,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
		HTMLURL:   u.HTMLURL,
		Type:      u.Type,
		UpdatedAt: watermark,
	})
}

func (e *Event) addIssueRefs(issue ghIssue, repoID int64) {
	if issue.User != nil {
		e.addUser(*issue.User, issue.UpdatedAt)
	}
	for _, l := range issue.Labels {
		e.Labels = append(e.Labels, l.toDomain(repoID, issue.UpdatedAt))
	}
}

func (r ghRepository) toDomain() domain.Repository {
	return domain.Repository{
		ID:            r.ID,
		Name:          r.Name,
		FullName:      r.FullName,
		HTMLURL:       r.HTMLURL,
		Description:   r.Description,
		Private:       r.Private,
		Archived:      r.Archived,
		DefaultBranch: r.DefaultBranch,
		PushedAt:      r.PushedAt.ptr(),
		CreatedAt:     r.CreatedAt.value(),
		UpdatedAt:     r.UpdatedAt,
	}
}

func (l ghLabel) toDomain(repoID int64, watermark time.Time) domain.Label {
	return domain.Label{
		ID:           l.ID,
		RepositoryID: repoID,
		Name:         l.Name,
		Color:        l.Color,
		Description:  l.Description,
		UpdatedAt:    watermark,
	}
}

func (i ghIssue) toDomain(repoID int64, kind domain.IssueKind) domain.Issue {
	issue := domain.Issue{
		ID:           i.ID,
		RepositoryID: repoID,
		Kind:         kind,
		Number:       i.Number,
		Title:        i.Title,
		Body:         i.Body,
		State:        i.State,
		HTMLURL:      i.HTMLURL,
		ClosedAt:     i.ClosedAt,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
	if i.User != nil && i.User.ID != 0 {
		id := i.User.ID
		issue.AuthorID = &id
	}
	for _, l := range i.Labels {
		issue.LabelIDs = append(issue.LabelIDs, l.ID)
	}
	return issue
}

func (r ghRelease) toDomain(repoID int64) domain.Release {
	release := domain.Release{
		ID:           r.ID,
		RepositoryID: repoID,
		TagName:      r.TagName,
		Name:         r.Name,
		Body:         r.Body,
		Draft:        r.Draft,
		Prerelease:   r.Prerelease,
		PublishedAt:  r.PublishedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.CreatedAt,
	}
	// Fall back to publication time when updated_at is absent.
	switch {
	case r.UpdatedAt != nil:
		release.UpdatedAt = *r.UpdatedAt
	case r.PublishedAt != nil:
		release.UpdatedAt = *r.PublishedAt
	}
	if r.Author != nil && r.Author.ID != 0 {
		id := r.Author.ID
		release.AuthorID = &id
	}
	return release
}

func (c ghCommit) toDomain(repoID int64) domain.Commit {
	return domain.Commit{
		SHA:          c.ID,
		RepositoryID: repoID,
		Message:      c.Message,
		AuthorLogin:  c.Author.Username,
		AuthorEmail:  c.Author.Email,
		HTMLURL:      c.URL,
		CommittedAt:  c.Timestamp,
		UpdatedAt:    c.Timestamp,
	}
}

func (r ghWorkflowRun) toDomain(repoID int64) domain.WorkflowRun {
	run := domain.WorkflowRun{
		ID:           r.ID,
		RepositoryID: repoID,
		Name:         r.Name,
		DisplayTitle: r.DisplayTitle,
		HeadBranch:   r.HeadBranch,
		HeadSHA:      r.HeadSHA,
		Status:       r.Status,
		Conclusion:   r.Conclusion,
		HTMLURL:      r.HTMLURL,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Actor != nil {
		run.ActorID = r.Actor.ID
	}
	return run
}

// flexTime accepts RFC 3339 strings as well as the unix seconds push payloads use.
type flexTime struct {
	t time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if data[0] != '"' {
		var secs int64
		if err := json.Unmarshal(data, &secs); err != nil {
			return err
		}
		f.t = time.Unix(secs, 0).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	f.t = t
	return nil
}

func (f flexTime) value() time.Time { return f.t }

func (f flexTime) ptr() *time.Time {
	if f.t.IsZero() {
		return nil
	}
	t := f.t
	return &t
}
