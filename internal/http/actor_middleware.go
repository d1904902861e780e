package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/helios/internal/domain"
)

// Identity is asserted by the fronting gateway; Helios does not authenticate callers itself.
const (
	headerUserID    = "X-Helios-User-Id"
	headerUserLogin = "X-Helios-User-Login"
)

type actorContextKey string

const contextKeyActor actorContextKey = "helios-actor"

type actorInfo struct {
	UserID int64
	Login  string
}

type contextSetter interface {
	SetContext(context.Context)
}

// requireActor rejects requests without a caller identity and stores it in the context.
func (r *Router) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := actorFromHeaders(req)
		if !ok {
			r.logger.Warn("caller identity missing", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, domain.CodePermissionDenied, "caller identity required")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyActor, info)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func actorFromHeaders(req *http.Request) (actorInfo, bool) {
	raw := strings.TrimSpace(req.Header.Get(headerUserID))
	if raw == "" {
		return actorInfo{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return actorInfo{}, false
	}
	return actorInfo{UserID: id, Login: strings.TrimSpace(req.Header.Get(headerUserLogin))}, true
}

// actorFromContext extracts the caller stored by requireActor.
func actorFromContext(ctx context.Context) (actorInfo, bool) {
	info, ok := ctx.Value(contextKeyActor).(actorInfo)
	return info, ok
}
