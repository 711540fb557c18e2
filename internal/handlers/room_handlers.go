package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/internal/services"

	"github.com/google/uuid"
)

const maxMultipartMemory = 8 << 20

// MessageService is the room-scoped post/history/delete API.
type MessageService interface {
	Post(ctx context.Context, id models.Identity, room models.RoomID, req models.PostMessageRequest, files ...services.FileUpload) (*models.Message, error)
	History(ctx context.Context, id models.Identity, room models.RoomID, before time.Time, limit int) ([]*models.Message, error)
	Delete(ctx context.Context, id models.Identity, room models.RoomID, messageID uuid.UUID) error
}

// RoomHandlers serves classroom discussions and group chats. Both share one
// implementation; the path decides the room.
type RoomHandlers struct {
	messages MessageService
	auth     IdentityResolver
	maxBody  int64
}

var errBodyTooLarge = errors.New("request body too large")

func NewRoomHandlers(messages MessageService, auth IdentityResolver, maxBody int64) *RoomHandlers {
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &RoomHandlers{messages: messages, auth: auth, maxBody: maxBody}
}

func classroomFromPath(r *http.Request) (models.RoomID, error) {
	return models.ParseRoomID(string(models.ClassroomRoom(r.PathValue("classroomId"))))
}

func groupFromPath(r *http.Request) (models.RoomID, error) {
	return models.ParseRoomID(string(models.GroupRoom(r.PathValue("groupId"))))
}

func (h *RoomHandlers) PostClassroomMessage(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, classroomFromPath)
}

func (h *RoomHandlers) PostGroupMessage(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, groupFromPath)
}

func (h *RoomHandlers) ClassroomHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, classroomFromPath)
}

func (h *RoomHandlers) GroupHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, groupFromPath)
}

func (h *RoomHandlers) DeleteClassroomMessage(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, classroomFromPath)
}

func (h *RoomHandlers) DeleteGroupMessage(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, groupFromPath)
}

func (h *RoomHandlers) post(w http.ResponseWriter, r *http.Request, roomOf func(*http.Request) (models.RoomID, error)) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}
	room, err := roomOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	req, files, err := h.decodePost(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	msg, err := h.messages.Post(r.Context(), id, room, req, files...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// decodePost accepts a JSON body or a multipart form with a content field,
// an optional attachments field holding a JSON array, and files parts. File
// parts are handed to the service unopened; nothing is stored here.
func (h *RoomHandlers) decodePost(r *http.Request) (models.PostMessageRequest, []services.FileUpload, error) {
	var req models.PostMessageRequest

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, nil, bodyError(err, "invalid request body")
		}
		return req, nil, nil
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return req, nil, bodyError(err, "invalid multipart body")
	}

	req.Content = r.FormValue("content")
	if raw := r.FormValue("attachments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Attachments); err != nil {
			return req, nil, invalid("attachments: must be a JSON array")
		}
	}

	var files []services.FileUpload
	for _, fh := range r.MultipartForm.File["files"] {
		files = append(files, services.FileUpload{Filename: fh.Filename, Open: openPart(fh)})
	}
	return req, files, nil
}

func openPart(fh *multipart.FileHeader) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return fh.Open() }
}

func bodyError(err error, reason string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errBodyTooLarge
	}
	return invalid(reason)
}

func (h *RoomHandlers) history(w http.ResponseWriter, r *http.Request, roomOf func(*http.Request) (models.RoomID, error)) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}
	room, err := roomOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		if before, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
	}

	messages, err := h.messages.History(r.Context(), id, room, before, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *RoomHandlers) delete(w http.ResponseWriter, r *http.Request, roomOf func(*http.Request) (models.RoomID, error)) {
	id, ok := requireIdentity(w, r, h.auth)
	if !ok {
		return
	}
	room, err := roomOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	messageID, err := uuid.Parse(r.PathValue("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := h.messages.Delete(r.Context(), id, room, messageID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func invalid(reason string) error {
	return &services.ContentRejectedError{Reasons: []string{reason}}
}
