package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/github"
	"github.com/splax/helios/internal/repository/memory"
	"github.com/splax/helios/internal/service/deploy"
	"github.com/splax/helios/internal/service/environment"
	"github.com/splax/helios/internal/service/lock"
	"github.com/splax/helios/internal/service/notify"
	"github.com/splax/helios/internal/service/webhook"
	"github.com/splax/helios/internal/ws"
	"github.com/splax/helios/pkg/config"
)

const (
	holder   int64 = 7
	intruder int64 = 8
	admin    int64 = 9
)

type staticPermissions map[int64]domain.Permission

func (p staticPermissions) Permission(_ context.Context, _ int64, userID int64) (domain.Permission, error) {
	if role, ok := p[userID]; ok {
		return role, nil
	}
	return domain.PermissionRead, nil
}

type stubDispatcher struct{ err error }

func (d stubDispatcher) DispatchWorkflow(context.Context, github.DispatchInput) error { return d.err }

type captureSink struct{ envelopes []webhook.Envelope }

func (s *captureSink) Submit(_ context.Context, env webhook.Envelope) error {
	s.envelopes = append(s.envelopes, env)
	return nil
}

type captureTokens map[int64]string

func (c captureTokens) Store(_ context.Context, userID int64, token string, _ *time.Time) error {
	c[userID] = token
	return nil
}

type fixture struct {
	repo   *memory.Repository
	router *Router
	sink   *captureSink
	hub    *ws.Hub
	tokens captureTokens
	hooks  webhook.Service
	dispatch *stubDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{DefaultLockExpiration: 60, DefaultLockReservation: 30, DeployWorkflowFile: "deploy.yml"}

	repo := memory.New()
	repo.PutRepository(domain.Repository{ID: 1, FullName: "acme/api"})
	repo.PutUser(domain.User{ID: holder, Login: "holder"})
	repo.PutEnvironment(domain.Environment{ID: 10, RepositoryID: 1, Name: "staging", Type: domain.EnvironmentTypeTest, Enabled: true})
	repo.PutEnvironment(domain.Environment{ID: 11, RepositoryID: 1, Name: "production", Type: domain.EnvironmentTypeProduction, Enabled: true})
	repo.PutEnvironment(domain.Environment{ID: 12, RepositoryID: 1, Name: "legacy", Type: domain.EnvironmentTypeTest})

	hub := ws.NewHub(logger)
	locks := lock.New(repo, staticPermissions{admin: domain.PermissionAdmin}, logger, cfg, lock.WithPublisher(hub))
	dispatcher := &stubDispatcher{}
	sink := &captureSink{}
	tokens := captureTokens{}
	hooks := webhook.New("hooksecret", sink, logger)
	svc := Services{
		Locks:        locks,
		Environments: environment.New(repo, locks, hub, logger, cfg),
		Deployments: deploy.New(deploy.Dependencies{
			Deployments:  repo,
			Environments: repo,
			Repositories: repo,
			Locks:        locks,
			Dispatcher:   dispatcher,
			Publisher:    hub,
		}, logger, cfg),
		Notifications: notify.New(repo, repo, nil, logger, cfg),
		Tokens:        tokens,
		Webhooks:      hooks,
		Hub:           hub,
	}
	reg := prometheus.NewRegistry()
	router := NewRouter(logger, svc, Options{Registry: reg, Gatherer: reg})
	t.Cleanup(router.Close)
	return &fixture{repo: repo, router: router, sink: sink, hub: hub, tokens: tokens, hooks: hooks, dispatch: dispatcher}
}

func (f *fixture) do(t *testing.T, method, path string, actor int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor > 0 {
		req.Header.Set(headerUserID, strconv.FormatInt(actor, 10))
		req.Header.Set(headerUserLogin, "user"+strconv.FormatInt(actor, 10))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.router.dbHealth = func(context.Context) error { return errors.New("db down") }
	rec = f.do(t, http.MethodGet, "/healthz", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestRequestsWithoutIdentityAreRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/environments/10/lock", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/environments/10/lock", nil)
	req.Header.Set(headerUserID, "not-a-number")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLockLifecycleMapsErrorCodes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/environments/10/lock", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode[domain.Environment](t, rec)
	assert.True(t, env.LockedByUser(holder))
	require.NotNil(t, env.LockWillExpireAt)

	rec = f.do(t, http.MethodPost, "/environments/10/lock", intruder, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeLockConflict), decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/environments/10/unlock", intruder, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/environments/10/extend", holder, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/environments/10/unlock", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Environment](t, rec).Locked)

	rec = f.do(t, http.MethodPost, "/environments/10/unlock", holder, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeNotLocked), decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/environments/12/lock", holder, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(domain.CodeDisabled), decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/environments/999/lock", holder, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/environments/abc/lock", holder, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtendProductionIsWrongType(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/environments/11/lock", holder, nil).Code)
	rec := f.do(t, http.MethodPost, "/environments/11/extend", holder, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(domain.CodeWrongType), decode[errorBody](t, rec).Code)
}

func TestPatchEnvironmentRefusesDisablingLockedEnvironment(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/environments/10/lock", holder, nil).Code)

	rec := f.do(t, http.MethodPatch, "/environments/10", holder, map[string]any{"enabled": false})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeLockedCannotDisable), decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodPatch, "/environments/10", holder, map[string]any{"description": "shared qa"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shared qa", decode[domain.Environment](t, rec).Description)

	rec = f.do(t, http.MethodPatch, "/environments/10", holder, map[string]any{"type": "STAGING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndDetailEnvironments(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/repositories/1/environments", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Environments []domain.Environment `json:"environments"`
	}](t, rec)
	assert.Len(t, list.Environments, 3)

	rec = f.do(t, http.MethodGet, "/environments/10", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[environment.Details](t, rec)
	assert.Equal(t, "staging", details.Environment.Name)
}

func TestDeployAndAttachRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/environments/10/deploy", holder, map[string]any{"branch_name": "main"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	dep := decode[domain.Deployment](t, rec)
	assert.Equal(t, domain.DeploymentWaiting, dep.Status)

	rec = f.do(t, http.MethodGet, "/deployments/"+dep.ID, holder, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/deployments/"+dep.ID+"/attach-run", holder,
		map[string]any{"workflow_run_url": "https://github.com/acme/api/actions/runs/321"})
	require.Equal(t, http.StatusOK, rec.Code)
	attached := decode[domain.Deployment](t, rec)
	require.NotNil(t, attached.WorkflowRunID)
	assert.Equal(t, int64(321), *attached.WorkflowRunID)

	rec = f.do(t, http.MethodPost, "/environments/10/deploy", intruder, map[string]any{"branch_name": "main"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/deployments/missing", holder, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployDispatchFailureReturnsDeployment(t *testing.T) {
	f := newFixture(t)
	f.dispatch.err = domain.Errorf(domain.CodeUpstreamError, "dispatch rejected")
	rec := f.do(t, http.MethodPost, "/environments/10/deploy", holder, map[string]any{"branch_name": "main"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[struct {
		Code       string            `json:"code"`
		Deployment domain.Deployment `json:"deployment"`
	}](t, rec)
	assert.Equal(t, string(domain.CodeUpstreamError), body.Code)
	assert.Equal(t, domain.DeploymentIOError, body.Deployment.Status)
}

func TestRepositorySettingsRoundTrip(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/repositories/1/settings", holder, map[string]any{"lock_expiration_threshold_minutes": 15})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/repositories/1/settings", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(15), decode[map[string]any](t, rec)["lock_expiration_threshold_minutes"])

	rec = f.do(t, http.MethodPut, "/repositories/1/settings", holder, map[string]any{"lock_expiration_threshold_minutes": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionSeedsPreferencesAndStoresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/users/7/session", holder, map[string]any{"access_token": "gho_abc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gho_abc", f.tokens[holder])

	rec = f.do(t, http.MethodGet, "/users/7/notification-preferences", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prefs := decode[struct {
		Preferences []domain.NotificationPreference `json:"preferences"`
	}](t, rec)
	assert.Len(t, prefs.Preferences, len(domain.NotificationTypes))
	for _, pref := range prefs.Preferences {
		assert.True(t, pref.Enabled)
	}

	rec = f.do(t, http.MethodPut, "/users/7/notification-preferences", holder, map[string]any{"type": "lock_expired", "enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.NotificationPreference](t, rec).Enabled)

	rec = f.do(t, http.MethodPut, "/users/7/notification-preferences", holder, map[string]any{"type": "SOMETHING", "enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/users/7/notification-settings", holder,
		map[string]any{"notifications_enabled": true, "notification_email": "holder@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["notifications_enabled"])

	rec = f.do(t, http.MethodGet, "/users/7/notification-preferences", intruder, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGitHubWebhookVerifiesSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"action":"created","repository":{"id":1}}`)

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "repository")
		req.Header.Set("X-GitHub-Delivery", "delivery-1")
		req.Header.Set("X-Hub-Signature-256", signature)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusForbidden, send("sha256=deadbeef").Code)
	assert.Empty(t, f.sink.envelopes)

	rec := send(f.hooks.Sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.sink.envelopes, 1)
	assert.Equal(t, "delivery-1", f.sink.envelopes[0].DeliveryID)
}

func TestWebsocketReceivesLockEvents(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	header := http.Header{}
	header.Set(headerUserID, strconv.FormatInt(holder, 10))
	wsURL := "ws" + server.URL[len("http"):] + "/ws/environments?repository_id=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Subscribers(1) == 1 }, time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/environments/10/lock", holder, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope struct {
		Type string             `json:"type"`
		Data domain.Environment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, "environment.locked", envelope.Type)
	assert.Equal(t, int64(10), envelope.Data.ID)
}

func TestStatusForFallsBackToInternal(t *testing.T) {
	status, code := statusFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, domain.ErrorCode("INTERNAL"), code)

	status, code = statusFor(domain.Wrap(domain.CodeUpstreamTimeout, "permission lookup", context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, domain.CodeUpstreamTimeout, code)
}

func TestMemoryRateLimiterWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	defer rl.Close()

	assert.True(t, rl.Allow("k", 2, time.Minute).allowed)
	assert.True(t, rl.Allow("k", 2, time.Minute).allowed)
	denied := rl.Allow("k", 2, time.Minute)
	assert.False(t, denied.allowed)
	assert.Equal(t, 30, denied.retryAfter(now.Add(30*time.Second)))
	assert.True(t, rl.Allow("other", 2, time.Minute).allowed)

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("k", 2, time.Minute).allowed)
	rl.sweep(now.Add(2 * time.Minute))
	assert.Empty(t, rl.windows)
}

func TestActorRateLimitReturns429(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := newFixture(t)
	router := NewRouter(logger, f.router.svc, Options{RateLimit: 2, Registry: prometheus.NewRegistry(), Gatherer: prometheus.NewRegistry()})
	t.Cleanup(router.Close)
	f.router = router

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/environments/10", holder, nil).Code)
	}
	rec := f.do(t, http.MethodGet, "/environments/10", holder, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/environments/10", intruder, nil).Code)
}

func TestMetricsEndpointServesGatherer(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", 0, nil)
	rec := f.do(t, http.MethodGet, "/metrics", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "helios_api_http_requests_total")
}
