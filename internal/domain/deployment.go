package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment attempt.
type DeploymentStatus string

const (
	DeploymentWaiting    DeploymentStatus = "WAITING"
	DeploymentQueued     DeploymentStatus = "QUEUED"
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentSuccess    DeploymentStatus = "DEPLOYMENT_SUCCESS"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentIOError    DeploymentStatus = "IO_ERROR"
	DeploymentUnknown    DeploymentStatus = "UNKNOWN"
)

// Terminal reports whether no further run event may change the status.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSuccess, DeploymentFailed, DeploymentIOError, DeploymentUnknown:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle so regressions can be detected.
func (s DeploymentStatus) Rank() int {
	switch s {
	case DeploymentWaiting:
		return 0
	case DeploymentQueued:
		return 1
	case DeploymentInProgress:
		return 2
	case DeploymentSuccess, DeploymentFailed, DeploymentIOError, DeploymentUnknown:
		return 3
	}
	return -1
}

// Deployment captures a single attempt to ship a branch or build to an environment.
type Deployment struct {
	ID              string            `json:"id"`
	RepositoryID    int64             `json:"repository_id"`
	EnvironmentID   int64             `json:"environment_id"`
	CreatorID       int64             `json:"creator_id"`
	Status          DeploymentStatus  `json:"status"`
	StatusUpdatedAt time.Time         `json:"status_updated_at"`
	BranchName      string            `json:"branch_name"`
	CommitSHA       string            `json:"commit_sha"`
	BuildTag        string            `json:"build_tag"`
	WorkflowParams  map[string]string `json:"workflow_params"`
	WorkflowRunURL  string            `json:"workflow_run_url"`
	WorkflowRunID   *int64            `json:"workflow_run_id"`
	// RunWatermark is the updated_at of the last workflow-run event applied.
	RunWatermark *time.Time `json:"run_watermark"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DeploymentStatusUpdate captures a status write guarded by the run watermark.
type DeploymentStatusUpdate struct {
	DeploymentID    string           `json:"deployment_id"`
	Status          DeploymentStatus `json:"status"`
	StatusUpdatedAt time.Time        `json:"status_updated_at"`
	RunWatermark    *time.Time       `json:"run_watermark"`
}
