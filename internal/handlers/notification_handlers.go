package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"lms-realtime/internal/models"
)

type NotificationService interface {
	NotifyUser(ctx context.Context, from models.Identity, userID string, req models.NotificationRequest) (*models.Notification, error)
	Announce(ctx context.Context, from models.Identity, classroomID string, req models.NotificationRequest) (*models.Notification, error)
}

type NotificationHandlers struct {
	notifications NotificationService
	auth          IdentityResolver
}

func NewNotificationHandlers(notifications NotificationService, auth IdentityResolver) *NotificationHandlers {
	return &NotificationHandlers{notifications: notifications, auth: auth}
}

func (h *NotificationHandlers) NotifyUser(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}

	var req models.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	n, err := h.notifications.NotifyUser(r.Context(), id, r.PathValue("userId"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func (h *NotificationHandlers) Announce(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}

	var req models.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	n, err := h.notifications.Announce(r.Context(), id, r.PathValue("classroomId"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}
