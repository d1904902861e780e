package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/splax/helios/internal/domain"
)

// GetPermission returns login's effective role on fullName. A user who is not a
// collaborator has PermissionNone.
func (c *Client) GetPermission(ctx context.Context, fullName, login string) (domain.Permission, error) {
	base, err := repoPath(fullName)
	if err != nil {
		return "", err
	}
	login = strings.TrimSpace(login)
	if login == "" {
		return "", domain.Errorf(domain.CodeInvalidArgument, "login required")
	}
	token, err := c.appToken(ctx)
	if err != nil {
		return "", err
	}
	var resp struct {
		Permission string `json:"permission"`
		RoleName   string `json:"role_name"`
	}
	err = c.do(ctx, http.MethodGet, base+"/collaborators/"+url.PathEscape(login)+"/permission", nil, token, &resp)
	if err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return domain.PermissionNone, nil
		}
		return "", err
	}
	return normalizePermission(resp.RoleName, resp.Permission), nil
}

// normalizePermission prefers role_name, which distinguishes maintain from write.
func normalizePermission(roleName, permission string) domain.Permission {
	for _, candidate := range []string{roleName, permission} {
		switch domain.Permission(strings.ToLower(strings.TrimSpace(candidate))) {
		case domain.PermissionAdmin:
			return domain.PermissionAdmin
		case domain.PermissionMaintain:
			return domain.PermissionMaintain
		case domain.PermissionWrite:
			return domain.PermissionWrite
		case domain.PermissionTriage:
			return domain.PermissionTriage
		case domain.PermissionRead:
			return domain.PermissionRead
		}
	}
	return domain.PermissionNone
}

// ApprovalInput describes a pending deployment review.
type ApprovalInput struct {
	Repository     string
	RunID          int64
	EnvironmentIDs []int64
	Comment        string
}

// ApproveDeployment approves the pending deployments of a run on behalf of the user that
// owns userToken.
func (c *Client) ApproveDeployment(ctx context.Context, userToken string, input ApprovalInput) error {
	base, err := repoPath(input.Repository)
	if err != nil {
		return err
	}
	if input.RunID <= 0 || len(input.EnvironmentIDs) == 0 {
		return domain.Errorf(domain.CodeInvalidArgument, "run id and environment ids required")
	}
	body := map[string]any{
		"environment_ids": input.EnvironmentIDs,
		"state":           "approved",
		"comment":         input.Comment,
	}
	path := fmt.Sprintf("%s/actions/runs/%d/pending_deployments", base, input.RunID)
	return c.do(ctx, http.MethodPost, path, body, userToken, nil)
}

// DispatchInput describes a workflow_dispatch trigger.
type DispatchInput struct {
	Repository string
	Workflow   string
	Ref        string
	Inputs     map[string]string
}

// DispatchWorkflow triggers a workflow_dispatch run with the app credentials.
func (c *Client) DispatchWorkflow(ctx context.Context, input DispatchInput) error {
	base, err := repoPath(input.Repository)
	if err != nil {
		return err
	}
	workflow := strings.TrimSpace(input.Workflow)
	ref := strings.TrimSpace(input.Ref)
	if workflow == "" || ref == "" {
		return domain.Errorf(domain.CodeInvalidArgument, "workflow and ref required")
	}
	token, err := c.appToken(ctx)
	if err != nil {
		return err
	}
	inputs := input.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	body := map[string]any{"ref": ref, "inputs": inputs}
	path := base + "/actions/workflows/" + url.PathEscape(workflow) + "/dispatches"
	return c.do(ctx, http.MethodPost, path, body, token, nil)
}
