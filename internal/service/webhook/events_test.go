package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
)

const repositoryJSON = `{"id":10,"name":"api","full_name":"acme/api","default_branch":"main",
	"created_at":1700000000,"pushed_at":1700000500,"updated_at":"2026-02-01T10:00:00Z",
	"owner":{"id":1,"login":"acme","type":"Organization"}}`

func envelope(category, body string) Envelope {
	return Envelope{
		Category:   category,
		DeliveryID: "delivery-" + category,
		Body:       []byte(body),
		ReceivedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDecodePullRequestIsTaggedVariant(t *testing.T) {
	body := `{"action":"opened","repository":` + repositoryJSON + `,
		"sender":{"id":2,"login":"octo"},
		"pull_request":{"id":300,"number":7,"title":"Add cache","state":"open",
			"user":{"id":2,"login":"octo"},
			"labels":[{"id":40,"name":"infra","color":"ff0000"}],
			"created_at":"2026-02-01T09:00:00Z","updated_at":"2026-02-01T11:00:00Z",
			"draft":true,"head":{"ref":"feature/cache","sha":"abc"},"base":{"ref":"main","sha":"def"}}}`

	ev, err := Decode(envelope(CategoryPullRequest, body))
	require.NoError(t, err)
	require.NotNil(t, ev.Repository)
	assert.Equal(t, "acme/api", ev.Repository.FullName)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Repository.CreatedAt)
	require.NotNil(t, ev.Repository.PushedAt)

	require.NotNil(t, ev.Issue)
	assert.Equal(t, domain.IssueKindPullRequest, ev.Issue.Kind)
	require.NotNil(t, ev.Issue.PullRequest)
	assert.True(t, ev.Issue.PullRequest.Draft)
	assert.Equal(t, "feature/cache", ev.Issue.PullRequest.HeadRef)
	assert.Equal(t, []int64{40}, ev.Issue.LabelIDs)
	assert.Equal(t, int64(10), ev.Issue.RepositoryID)

	require.Len(t, ev.Labels, 1)
	assert.Equal(t, ev.Issue.UpdatedAt, ev.Labels[0].UpdatedAt)
	logins := make([]string, 0, len(ev.Users))
	for _, u := range ev.Users {
		logins = append(logins, u.Login)
	}
	assert.ElementsMatch(t, []string{"acme", "octo"}, logins)
	assert.False(t, ev.Ordered())
}

func TestDecodeIssueIsPlainVariant(t *testing.T) {
	body := `{"action":"edited","repository":` + repositoryJSON + `,
		"issue":{"id":301,"number":8,"title":"Bug","state":"open",
			"created_at":"2026-02-01T09:00:00Z","updated_at":"2026-02-01T11:30:00Z"}}`
	ev, err := Decode(envelope(CategoryIssues, body))
	require.NoError(t, err)
	require.NotNil(t, ev.Issue)
	assert.Equal(t, domain.IssueKindIssue, ev.Issue.Kind)
	assert.Nil(t, ev.Issue.PullRequest)
}

func TestDecodePushBuildsBranchAndCommits(t *testing.T) {
	body := `{"ref":"refs/heads/main","after":"c2","repository":` + repositoryJSON + `,
		"commits":[
			{"id":"c1","message":"one","timestamp":"2026-02-01T10:05:00+01:00","author":{"username":"octo","email":"o@x"}},
			{"id":"c2","message":"two","timestamp":"2026-02-01T09:10:00Z","author":{"username":"octo"}}]}`
	ev, err := Decode(envelope(CategoryPush, body))
	require.NoError(t, err)
	require.Len(t, ev.Commits, 2)
	assert.Equal(t, "octo", ev.Commits[0].AuthorLogin)
	require.Len(t, ev.Branches, 1)
	branch := ev.Branches[0]
	assert.Equal(t, "main", branch.Name)
	assert.Equal(t, "c2", branch.CommitSHA)
	assert.True(t, branch.UpdatedAt.Equal(time.Date(2026, 2, 1, 9, 10, 0, 0, time.UTC)))
}

func TestDecodeTagPushCarriesNoBranch(t *testing.T) {
	body := `{"ref":"refs/tags/v1","repository":` + repositoryJSON + `}`
	ev, err := Decode(envelope(CategoryPush, body))
	require.NoError(t, err)
	assert.Empty(t, ev.Branches)
	assert.Empty(t, ev.Commits)
}

func TestDecodeWorkflowRunIsOrdered(t *testing.T) {
	body := `{"action":"completed","repository":` + repositoryJSON + `,
		"workflow_run":{"id":555,"name":"Deploy","display_title":"deploy d-1","status":"completed",
			"conclusion":"success","html_url":"https://github.com/acme/api/actions/runs/555",
			"actor":{"id":2},"updated_at":"2026-02-01T11:59:00Z"}}`
	ev, err := Decode(envelope(CategoryWorkflowRun, body))
	require.NoError(t, err)
	require.NotNil(t, ev.Run)
	assert.True(t, ev.Ordered())
	assert.False(t, ev.ApprovalRequested)
	assert.Equal(t, int64(555), ev.Run.ID)
	assert.Equal(t, int64(10), ev.Run.RepositoryID)
	assert.Equal(t, int64(2), ev.Run.ActorID)
	assert.Equal(t, "run:555", ev.EntityID())
}

func TestDecodeDeploymentReviewRequest(t *testing.T) {
	body := `{"action":"requested","environment":"staging","repository":` + repositoryJSON + `,
		"workflow_run":{"id":556,"status":"waiting","updated_at":"2026-02-01T11:59:00Z"}}`
	ev, err := Decode(envelope(CategoryDeploymentReview, body))
	require.NoError(t, err)
	require.NotNil(t, ev.Run)
	assert.True(t, ev.ApprovalRequested)
	assert.Empty(t, ev.Environments)
}

func TestDecodeEnvironmentObjects(t *testing.T) {
	body := `{"action":"created","repository":` + repositoryJSON + `,
		"environment":{"id":70,"name":"staging","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-02-01T00:00:00Z"}}`
	ev, err := Decode(envelope(CategoryEnvironment, body))
	require.NoError(t, err)
	require.Len(t, ev.Environments, 1)
	env := ev.Environments[0]
	assert.Equal(t, int64(70), env.ID)
	assert.Equal(t, int64(10), env.RepositoryID)
	assert.Equal(t, "staging", env.Name)
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	_, err := Decode(envelope(CategoryIssues, `{"issue":`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDecodePingAndUnknownAreEmpty(t *testing.T) {
	ev, err := Decode(envelope(CategoryPing, `{"zen":"hi"}`))
	require.NoError(t, err)
	assert.True(t, ev.Empty())

	ev, err = Decode(envelope("star", `{"action":"created"}`))
	require.NoError(t, err)
	assert.True(t, ev.Empty())
}
