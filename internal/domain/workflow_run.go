package domain

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Workflow run status values as delivered by GitHub.
const (
	RunStatusPending    = "pending"
	RunStatusRequested  = "requested"
	RunStatusWaiting    = "waiting"
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
)

// Workflow run conclusions as delivered by GitHub.
const (
	RunConclusionSuccess        = "success"
	RunConclusionFailure        = "failure"
	RunConclusionStartupFailure = "startup_failure"
	RunConclusionTimedOut       = "timed_out"
	RunConclusionCancelled      = "cancelled"
)

// WorkflowRun is the subset of a workflow_run payload the tracker consumes.
type WorkflowRun struct {
	ID           int64     `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	Name         string    `json:"name"`
	DisplayTitle string    `json:"display_title"`
	HeadBranch   string    `json:"head_branch"`
	HeadSHA      string    `json:"head_sha"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	HTMLURL      string    `json:"html_url"`
	ActorID      int64     `json:"actor_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ParseRunID extracts the numeric run id from a workflow run URL such as
// https://github.com/org/repo/actions/runs/123 or .../runs/123/attempts/2.
func ParseRunID(rawURL string) (int64, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return 0, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "runs" {
			continue
		}
		id, err := strconv.ParseInt(parts[i+1], 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
