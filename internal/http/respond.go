package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message with a machine readable code.
func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

var codeStatus = map[domain.ErrorCode]int{
	domain.CodeNotFound:            http.StatusNotFound,
	domain.CodeInvalidArgument:     http.StatusBadRequest,
	domain.CodeLockConflict:        http.StatusConflict,
	domain.CodeNotLocked:           http.StatusConflict,
	domain.CodeWrongType:           http.StatusUnprocessableEntity,
	domain.CodeDisabled:            http.StatusUnprocessableEntity,
	domain.CodeLockedCannotDisable: http.StatusConflict,
	domain.CodePermissionDenied:    http.StatusForbidden,
	domain.CodeSyncIntegrity:       http.StatusInternalServerError,
	domain.CodeCorrelationMiss:     http.StatusNotFound,
	domain.CodeUpstreamError:       http.StatusBadGateway,
	domain.CodeUpstreamTimeout:     http.StatusGatewayTimeout,
}

// statusFor resolves the HTTP status and code for a service error.
func statusFor(err error) (int, domain.ErrorCode) {
	var coded *domain.Error
	if errors.As(err, &coded) {
		if status, ok := codeStatus[coded.Code]; ok {
			return status, coded.Code
		}
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, domain.CodeNotFound
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest, domain.CodeInvalidArgument
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// writeServiceError maps err onto its status. Unclassified errors hide their detail.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}
