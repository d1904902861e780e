package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

const deploymentColumns = `id, repository_id, environment_id, creator_id, status, status_updated_at,
	branch_name, commit_sha, build_tag, workflow_params, workflow_run_url, workflow_run_id,
	run_watermark, created_at, updated_at`

func scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var (
		dep    domain.Deployment
		status string
		params []byte
	)
	if err := row.Scan(
		&dep.ID,
		&dep.RepositoryID,
		&dep.EnvironmentID,
		&dep.CreatorID,
		&status,
		&dep.StatusUpdatedAt,
		&dep.BranchName,
		&dep.CommitSHA,
		&dep.BuildTag,
		&params,
		&dep.WorkflowRunURL,
		&dep.WorkflowRunID,
		&dep.RunWatermark,
		&dep.CreatedAt,
		&dep.UpdatedAt,
	); err != nil {
		return domain.Deployment{}, err
	}
	dep.Status = domain.DeploymentStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &dep.WorkflowParams); err != nil {
			return domain.Deployment{}, err
		}
	}
	return dep, nil
}

// CreateDeployment inserts a deployment record, assigning an id when absent.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return repository.ErrInvalidArgument
	}
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	params := deployment.WorkflowParams
	if params == nil {
		params = map[string]string{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (id, repository_id, environment_id, creator_id, status, status_updated_at,
		branch_name, commit_sha, build_tag, workflow_params, workflow_run_url, workflow_run_id, run_watermark)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		deployment.ID,
		deployment.RepositoryID,
		deployment.EnvironmentID,
		deployment.CreatorID,
		string(deployment.Status),
		deployment.StatusUpdatedAt.UTC(),
		deployment.BranchName,
		deployment.CommitSHA,
		deployment.BuildTag,
		encoded,
		deployment.WorkflowRunURL,
		int64PtrToNil(deployment.WorkflowRunID),
		timePtrToNil(deployment.RunWatermark),
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt)
	return mapError(err)
}

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	if _, err := uuid.Parse(deploymentID); err != nil {
		return nil, repository.ErrNotFound
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	dep, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		return nil, mapError(err)
	}
	return &dep, nil
}

// FindDeploymentByRunID resolves the deployment bound to a workflow run.
func (r *Repository) FindDeploymentByRunID(ctx context.Context, runID int64) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE workflow_run_id = $1`
	dep, err := scanDeployment(r.pool.QueryRow(ctx, query, runID))
	if err != nil {
		return nil, mapError(err)
	}
	return &dep, nil
}

// ListWaitingDeployments returns unbound WAITING deployments, oldest first.
func (r *Repository) ListWaitingDeployments(ctx context.Context, repositoryID int64) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE repository_id = $1 AND status = 'WAITING' AND workflow_run_url = ''
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, dep)
	}
	return deployments, rows.Err()
}

// AttachWorkflowRun binds a deployment to the run that executes it.
func (r *Repository) AttachWorkflowRun(ctx context.Context, deploymentID, runURL string, runID int64) error {
	const query = `UPDATE deployments SET workflow_run_url = $2, workflow_run_id = $3, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, runURL, runID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateDeploymentStatus writes the status unless a newer run watermark is stored.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (bool, error) {
	const query = `UPDATE deployments SET
		status = $2,
		status_updated_at = GREATEST(status_updated_at, $3),
		run_watermark = COALESCE($4, run_watermark),
		updated_at = NOW()
		WHERE id = $1
		AND ($4::timestamptz IS NULL OR run_watermark IS NULL OR run_watermark < $4)`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		string(update.Status),
		update.StatusUpdatedAt.UTC(),
		timePtrToNil(update.RunWatermark),
	)
	if err != nil {
		return false, mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetDeployment(ctx, update.DeploymentID); err != nil {
		return false, err
	}
	return false, nil
}

// DeleteTerminalDeploymentsBefore prunes finished deployments older than before.
func (r *Repository) DeleteTerminalDeploymentsBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM deployments
		WHERE status IN ('DEPLOYMENT_SUCCESS', 'FAILED', 'IO_ERROR', 'UNKNOWN') AND status_updated_at < $1`
	tag, err := r.pool.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
