package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/helios/internal/service/deploy"
	"github.com/splax/helios/internal/service/environment"
	"github.com/splax/helios/internal/service/lock"
	"github.com/splax/helios/internal/service/notify"
	"github.com/splax/helios/internal/service/webhook"
	"github.com/splax/helios/internal/ws"
)

// TokenStore keeps the upstream access token a user signed in with.
type TokenStore interface {
	Store(ctx context.Context, userID int64, token string, expiresAt *time.Time) error
}

// Services groups the collaborators the router exposes.
type Services struct {
	Locks         lock.Service
	Environments  environment.Service
	Deployments   deploy.Service
	Notifications *notify.Gate
	Tokens        TokenStore
	Webhooks      webhook.Service
	Hub           *ws.Hub
}

// Options tune the router. Zero values select defaults.
type Options struct {
	Limiter   RateLimiter
	RateLimit int
	Registry  prometheus.Registerer
	Gatherer  prometheus.Gatherer
	DBHealth  func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       Services
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	rateLimit int
	metrics   *routerMetrics
	gatherer  prometheus.Gatherer
	dbHealth  func(context.Context) error
	heartbeat time.Duration
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebsocket = 30
	rateLimitWebhook   = 600
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 25 << 20
	maxJSONBody        = 1 << 20
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   opts.Limiter,
		rateLimit: opts.RateLimit,
		metrics:   newRouterMetrics(registry),
		gatherer:  gatherer,
		dbHealth:  opts.DBHealth,
		heartbeat: sseHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateLimit <= 0 {
		r.rateLimit = 120
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.handleActor("GET /repositories/{id}/environments", r.handleListEnvironments)
	r.handleActor("GET /repositories/{id}/settings", r.handleGetRepositorySettings)
	r.handleActor("PUT /repositories/{id}/settings", r.handlePutRepositorySettings)

	r.handleActor("GET /environments/{id}", r.handleGetEnvironment)
	r.handleActor("PATCH /environments/{id}", r.handlePatchEnvironment)
	r.handleActor("POST /environments/{id}/lock", r.handleLock)
	r.handleActor("POST /environments/{id}/extend", r.handleExtend)
	r.handleActor("POST /environments/{id}/unlock", r.handleUnlock)
	r.handleActor("POST /environments/{id}/deploy", r.handleDeploy)

	r.handleActor("GET /deployments/{id}", r.handleGetDeployment)
	r.handleActor("POST /deployments/{id}/attach-run", r.handleAttachRun)

	r.handleActor("POST /users/{id}/session", r.handleSession)
	r.handleActor("GET /users/{id}/notification-preferences", r.handleListPreferences)
	r.handleActor("PUT /users/{id}/notification-preferences", r.handlePutPreference)
	r.handleActor("PUT /users/{id}/notification-settings", r.handlePutNotificationSettings)

	r.handle("POST /webhooks/github", r.withRateLimit("POST /webhooks/github", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGitHubWebhook))

	r.handle("GET /ws/environments", r.handlerActorRate("GET /ws/environments", rateLimitWebsocket, rateWindowRealtime, r.handleEnvironmentsWS))
	r.handle("GET /events/environments", r.handlerActorRate("GET /events/environments", rateLimitWebsocket, rateWindowRealtime, r.handleEnvironmentsSSE))
}

func (r *Router) handle(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, next))
}

func (r *Router) handleActor(pattern string, next http.HandlerFunc) {
	r.handle(pattern, r.handlerActorRate(pattern, r.rateLimit, rateWindowDefault, next))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := actorFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.Login != "" {
				fields = append(fields, "login", info.Login)
			}
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "github"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
