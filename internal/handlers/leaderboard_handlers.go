package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"lms-realtime/internal/models"

	"github.com/go-playground/validator/v10"
)

type ScoreBoard interface {
	UpdateScore(ctx context.Context, userID string, points int64, reason string)
	GetTopPerformers(ctx context.Context, limit int) ([]models.Performer, error)
}

type LeaderboardHandlers struct {
	board    ScoreBoard
	auth     IdentityResolver
	validate *validator.Validate
	maxLimit int
}

func NewLeaderboardHandlers(board ScoreBoard, auth IdentityResolver, validate *validator.Validate) *LeaderboardHandlers {
	return &LeaderboardHandlers{board: board, auth: auth, validate: validate, maxLimit: 100}
}

// RecordScore is called by grading when a student earns points. Only staff
// credentials may post scores.
func (h *LeaderboardHandlers) RecordScore(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}
	if !id.Role.Elevated() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req models.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The leaderboard never fails the caller, so there is nothing to report
	// beyond acceptance.
	h.board.UpdateScore(r.Context(), req.UserID, req.Points, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *LeaderboardHandlers) TopPerformers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, h.auth); !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > h.maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	top, err := h.board.GetTopPerformers(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "leaderboard unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"topPerformers": top})
}
