package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/service/deploy"
	"github.com/splax/helios/internal/service/environment"
	"github.com/splax/helios/internal/ws"
)

func pathID(req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxJSONBody)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidArgument, "invalid JSON body")
		return false
	}
	return true
}

func badID(w http.ResponseWriter, what string) {
	writeError(w, http.StatusBadRequest, domain.CodeInvalidArgument, what+" id must be a positive integer")
}

func (r *Router) handleListEnvironments(w http.ResponseWriter, req *http.Request) {
	repoID, ok := pathID(req)
	if !ok {
		badID(w, "repository")
		return
	}
	envs, err := r.svc.Environments.List(req.Context(), repoID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (r *Router) handleGetRepositorySettings(w http.ResponseWriter, req *http.Request) {
	repoID, ok := pathID(req)
	if !ok {
		badID(w, "repository")
		return
	}
	settings, err := r.svc.Environments.RepositorySettings(req.Context(), repoID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView(*settings))
}

func (r *Router) handlePutRepositorySettings(w http.ResponseWriter, req *http.Request) {
	repoID, ok := pathID(req)
	if !ok {
		badID(w, "repository")
		return
	}
	var payload struct {
		LockExpirationThresholdMinutes  *int `json:"lock_expiration_threshold_minutes"`
		LockReservationThresholdMinutes *int `json:"lock_reservation_threshold_minutes"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	envs, err := r.svc.Environments.UpdateRepositorySettings(req.Context(), domain.RepositorySettings{
		RepositoryID:                    repoID,
		LockExpirationThresholdMinutes:  payload.LockExpirationThresholdMinutes,
		LockReservationThresholdMinutes: payload.LockReservationThresholdMinutes,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recomputed": envs})
}

func settingsView(s domain.RepositorySettings) map[string]any {
	return map[string]any{
		"repository_id":                      s.RepositoryID,
		"lock_expiration_threshold_minutes":  s.LockExpirationThresholdMinutes,
		"lock_reservation_threshold_minutes": s.LockReservationThresholdMinutes,
	}
}

func (r *Router) handleGetEnvironment(w http.ResponseWriter, req *http.Request) {
	envID, ok := pathID(req)
	if !ok {
		badID(w, "environment")
		return
	}
	details, err := r.svc.Environments.Detail(req.Context(), envID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (r *Router) handlePatchEnvironment(w http.ResponseWriter, req *http.Request) {
	envID, ok := pathID(req)
	if !ok {
		badID(w, "environment")
		return
	}
	var payload struct {
		Enabled                         *bool   `json:"enabled"`
		Type                            *string `json:"type"`
		Description                     *string `json:"description"`
		ServerURL                       *string `json:"server_url"`
		StatusCheckType                 *string `json:"status_check_type"`
		StatusURL                       *string `json:"status_url"`
		LockExpirationThresholdMinutes  *int    `json:"lock_expiration_threshold_minutes"`
		LockReservationThresholdMinutes *int    `json:"lock_reservation_threshold_minutes"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	env, err := r.svc.Environments.Update(req.Context(), environment.UpdateInput{
		EnvironmentID:                   envID,
		Enabled:                         payload.Enabled,
		Type:                            payload.Type,
		Description:                     payload.Description,
		ServerURL:                       payload.ServerURL,
		StatusCheckType:                 payload.StatusCheckType,
		StatusURL:                       payload.StatusURL,
		LockExpirationThresholdMinutes:  payload.LockExpirationThresholdMinutes,
		LockReservationThresholdMinutes: payload.LockReservationThresholdMinutes,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type lockOperation func(req *http.Request, environmentID, actorID int64) (*domain.Environment, error)

func (r *Router) lockHandler(op lockOperation) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		envID, ok := pathID(req)
		if !ok {
			badID(w, "environment")
			return
		}
		actor, _ := actorFromContext(req.Context())
		env, err := op(req, envID, actor.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	}
}

func (r *Router) handleLock(w http.ResponseWriter, req *http.Request) {
	r.lockHandler(func(req *http.Request, envID, actorID int64) (*domain.Environment, error) {
		return r.svc.Locks.Lock(req.Context(), envID, actorID)
	})(w, req)
}

func (r *Router) handleExtend(w http.ResponseWriter, req *http.Request) {
	r.lockHandler(func(req *http.Request, envID, actorID int64) (*domain.Environment, error) {
		return r.svc.Locks.Extend(req.Context(), envID, actorID)
	})(w, req)
}

func (r *Router) handleUnlock(w http.ResponseWriter, req *http.Request) {
	r.lockHandler(func(req *http.Request, envID, actorID int64) (*domain.Environment, error) {
		return r.svc.Locks.Unlock(req.Context(), envID, actorID)
	})(w, req)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	envID, ok := pathID(req)
	if !ok {
		badID(w, "environment")
		return
	}
	var payload struct {
		BranchName string            `json:"branch_name"`
		CommitSHA  string            `json:"commit_sha"`
		BuildTag   string            `json:"build_tag"`
		Params     map[string]string `json:"params"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	actor, _ := actorFromContext(req.Context())
	dep, err := r.svc.Deployments.Request(req.Context(), deploy.RequestInput{
		EnvironmentID: envID,
		ActorID:       actor.UserID,
		BranchName:    payload.BranchName,
		CommitSHA:     payload.CommitSHA,
		BuildTag:      payload.BuildTag,
		Params:        payload.Params,
	})
	if err != nil {
		if dep == nil {
			r.writeServiceError(w, req, err)
			return
		}
		// Dispatch failed after the deployment was recorded.
		status, code := statusFor(err)
		writeJSON(w, status, map[string]any{"error": err.Error(), "code": code, "deployment": dep})
		return
	}
	writeJSON(w, http.StatusAccepted, dep)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	dep, err := r.svc.Deployments.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (r *Router) handleAttachRun(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		WorkflowRunURL string `json:"workflow_run_url"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	dep, err := r.svc.Deployments.AttachRun(req.Context(), req.PathValue("id"), payload.WorkflowRunURL)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// selfOnly resolves the path user and requires it to be the caller.
func selfOnly(w http.ResponseWriter, req *http.Request) (int64, bool) {
	userID, ok := pathID(req)
	if !ok {
		badID(w, "user")
		return 0, false
	}
	actor, _ := actorFromContext(req.Context())
	if actor.UserID != userID {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "users may only manage their own settings")
		return 0, false
	}
	return userID, true
}

// handleSession records a sign-in: the user's upstream token is stored for approvals and
// default notification preferences are seeded.
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	userID, ok := selfOnly(w, req)
	if !ok {
		return
	}
	var payload struct {
		AccessToken string     `json:"access_token"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if token := strings.TrimSpace(payload.AccessToken); token != "" && r.svc.Tokens != nil {
		if err := r.svc.Tokens.Store(req.Context(), userID, token, payload.ExpiresAt); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
	}
	if err := r.svc.Notifications.EnsureDefaults(req.Context(), userID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	prefs, err := r.svc.Notifications.Preferences(req.Context(), userID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "preferences": prefs})
}

func (r *Router) handleListPreferences(w http.ResponseWriter, req *http.Request) {
	userID, ok := selfOnly(w, req)
	if !ok {
		return
	}
	prefs, err := r.svc.Notifications.Preferences(req.Context(), userID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (r *Router) handlePutPreference(w http.ResponseWriter, req *http.Request) {
	userID, ok := selfOnly(w, req)
	if !ok {
		return
	}
	var payload struct {
		Type    string `json:"type"`
		Enabled *bool  `json:"enabled"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidArgument, "enabled is required")
		return
	}
	kind := domain.NotificationType(strings.ToUpper(strings.TrimSpace(payload.Type)))
	pref, err := r.svc.Notifications.SetPreference(req.Context(), userID, kind, *payload.Enabled)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (r *Router) handlePutNotificationSettings(w http.ResponseWriter, req *http.Request) {
	userID, ok := selfOnly(w, req)
	if !ok {
		return
	}
	var payload struct {
		Enabled bool   `json:"notifications_enabled"`
		Email   string `json:"notification_email"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, err := r.svc.Notifications.UpdateSettings(req.Context(), userID, payload.Enabled, payload.Email)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":               user.ID,
		"notifications_enabled": user.NotificationsEnabled,
		"notification_email":    user.NotificationEmail,
	})
}

func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidArgument, "could not read body")
		return
	}
	err = r.svc.Webhooks.Receive(req.Context(),
		strings.TrimSpace(req.Header.Get("X-GitHub-Event")),
		strings.TrimSpace(req.Header.Get("X-GitHub-Delivery")),
		req.Header.Get("X-Hub-Signature-256"),
		body,
	)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func repositoryQuery(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(req.URL.Query().Get("repository_id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidArgument, "repository_id query parameter required")
		return 0, false
	}
	return id, true
}

func (r *Router) handleEnvironmentsWS(w http.ResponseWriter, req *http.Request) {
	repoID, ok := repositoryQuery(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.svc.Hub.Register(repoID, client)
	r.metrics.streaming.Inc()
	go func() {
		defer func() {
			r.svc.Hub.Unregister(repoID, client)
			r.metrics.streaming.Dec()
			client.Close()
		}()
		if err := client.ReadLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			r.logger.Debug("websocket closed", "repository_id", repoID, "error", err)
		}
	}()
}

func (r *Router) handleEnvironmentsSSE(w http.ResponseWriter, req *http.Request) {
	repoID, ok := repositoryQuery(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.svc.Hub.Register(repoID, client)
	r.metrics.streaming.Inc()
	defer func() {
		r.svc.Hub.Unregister(repoID, client)
		r.metrics.streaming.Dec()
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
