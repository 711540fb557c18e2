package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"lms-realtime/internal/auth"
	"lms-realtime/internal/models"
	"lms-realtime/internal/services"
	"lms-realtime/pkg/logger"
)

// IdentityResolver turns a request's bearer token into an identity.
type IdentityResolver interface {
	AuthenticateRequest(r *http.Request) (models.Identity, error)
}

type errorResponse struct {
	Error        string   `json:"error"`
	Reasons      []string `json:"reasons,omitempty"`
	Score        int      `json:"score,omitempty"`
	RetryAfter   int      `json:"retryAfter,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps the service error taxonomy onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		rejected *services.ContentRejectedError
		limited  *services.RateLimitedError
	)

	switch {
	case errors.Is(err, auth.ErrAuth):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "not authorized for this room")
	case errors.Is(err, models.ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &rejected):
		message := "invalid content"
		if rejected.Score > 0 {
			message = "content rejected as spam"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Reasons: rejected.Reasons, Score: rejected.Score})
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:        "rate limited",
			RetryAfter:   seconds,
			RetryAfterMs: limited.RetryAfter.Milliseconds(),
		})
	case errors.Is(err, services.ErrPersistence):
		logger.Error("Persistence failure: %v", err)
		writeError(w, http.StatusInternalServerError, "message could not be stored")
	default:
		logger.Error("Unhandled service error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requireIdentity(w http.ResponseWriter, r *http.Request, resolver IdentityResolver) (models.Identity, bool) {
	id, err := resolver.AuthenticateRequest(r)
	if err != nil {
		logger.Debug("Rejected request to %s: %v", r.URL.Path, err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return models.Identity{}, false
	}
	return id, true
}
