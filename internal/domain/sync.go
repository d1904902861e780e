package domain

import (
	"strconv"
	"time"
)

// Repository is a GitHub repository tracked by Helios.
type Repository struct {
	ID            int64
	Name          string
	FullName      string
	HTMLURL       string
	Description   string
	Private       bool
	Archived      bool
	DefaultBranch string
	PushedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r Repository) Watermark() time.Time { return r.UpdatedAt }

// Branch is keyed by repository and name.
type Branch struct {
	RepositoryID int64
	Name         string
	CommitSHA    string
	Protected    bool
	UpdatedAt    time.Time
}

func (b Branch) Watermark() time.Time { return b.UpdatedAt }

// Key returns the external identifier of the branch.
func (b Branch) Key() string {
	return strconv.FormatInt(b.RepositoryID, 10) + ":" + b.Name
}

// Commit is immutable once written; its watermark is the commit timestamp.
type Commit struct {
	SHA          string
	RepositoryID int64
	Message      string
	AuthorLogin  string
	AuthorEmail  string
	HTMLURL      string
	CommittedAt  time.Time
	UpdatedAt    time.Time
}

func (c Commit) Watermark() time.Time { return c.UpdatedAt }

// Label belongs to a repository.
type Label struct {
	ID           int64
	RepositoryID int64
	Name         string
	Color        string
	Description  string
	UpdatedAt    time.Time
}

func (l Label) Watermark() time.Time { return l.UpdatedAt }

// IssueKind tags the Issue variant.
type IssueKind string

const (
	IssueKindIssue       IssueKind = "ISSUE"
	IssueKindPullRequest IssueKind = "PULL_REQUEST"
)

// Issue is a tagged variant: when Kind is IssueKindPullRequest, PullRequest is non-nil.
type Issue struct {
	ID           int64
	RepositoryID int64
	Kind         IssueKind
	Number       int
	Title        string
	Body         string
	State        string
	HTMLURL      string
	AuthorID     *int64
	LabelIDs     []int64
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PullRequest  *PullRequestDetails
}

func (i Issue) Watermark() time.Time { return i.UpdatedAt }

// PullRequestDetails carries the fields only pull requests have.
type PullRequestDetails struct {
	Draft    bool
	Merged   bool
	MergedAt *time.Time
	HeadRef  string
	HeadSHA  string
	BaseRef  string
}

// Release is a published tag.
type Release struct {
	ID           int64
	RepositoryID int64
	TagName      string
	Name         string
	Body         string
	Draft        bool
	Prerelease   bool
	AuthorID     *int64
	PublishedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r Release) Watermark() time.Time { return r.UpdatedAt }
