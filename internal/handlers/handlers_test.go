package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"lms-realtime/internal/auth"
	"lms-realtime/internal/database"
	"lms-realtime/internal/models"
	"lms-realtime/internal/moderation"
	"lms-realtime/internal/ratelimit"
	"lms-realtime/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// tokenResolver accepts "Bearer <userID>:<role>".
type tokenResolver struct{}

func (tokenResolver) AuthenticateRequest(r *http.Request) (models.Identity, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return models.Identity{}, auth.ErrAuth
	}
	user, role, ok := strings.Cut(token, ":")
	if !ok {
		return models.Identity{}, auth.ErrAuth
	}
	return models.Identity{UserID: user, Username: user, Role: models.Role(role)}, nil
}

type historyCall struct {
	room   models.RoomID
	before time.Time
	limit  int
}

type fakeMessages struct {
	mu        sync.Mutex
	postErr   error
	posted    []models.PostMessageRequest
	files     map[string]string
	histories []historyCall
	deleteErr error
}

func (f *fakeMessages) Post(_ context.Context, id models.Identity, room models.RoomID, req models.PostMessageRequest, files ...services.FileUpload) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posted = append(f.posted, req)
	for _, file := range files {
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if f.files == nil {
			f.files = make(map[string]string)
		}
		f.files[file.Filename] = string(body)
	}
	return &models.Message{ID: uuid.New(), Room: room, AuthorID: id.UserID, Content: req.Content, Attachments: req.Attachments}, nil
}

func (f *fakeMessages) History(_ context.Context, _ models.Identity, room models.RoomID, before time.Time, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, historyCall{room: room, before: before, limit: limit})
	return []*models.Message{}, nil
}

func (f *fakeMessages) Delete(context.Context, models.Identity, models.RoomID, uuid.UUID) error {
	return f.deleteErr
}

func newRoomMux(messages MessageService) *http.ServeMux {
	return newRoomMuxWithLimit(messages, 0)
}

func newRoomMuxWithLimit(messages MessageService, maxBody int64) *http.ServeMux {
	h := NewRoomHandlers(messages, tokenResolver{}, maxBody)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /discussions/{classroomId}", h.PostClassroomMessage)
	mux.HandleFunc("GET /discussions/{classroomId}", h.ClassroomHistory)
	mux.HandleFunc("DELETE /discussions/{classroomId}/messages/{messageId}", h.DeleteClassroomMessage)
	mux.HandleFunc("POST /groups/{groupId}/messages", h.PostGroupMessage)
	mux.HandleFunc("GET /groups/{groupId}/messages", h.GroupHistory)
	return mux
}

func do(mux http.Handler, method, target, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	r := httptest.NewRequest(method, target, body)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func jsonBody(v interface{}) *bytes.Buffer {
	b, _ := json.Marshal(v)
	return bytes.NewBuffer(b)
}

func TestPostMessage_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		token      string
		err        error
		wantStatus int
	}{
		{name: "Created", token: "alice:student", wantStatus: http.StatusCreated},
		{name: "No token", wantStatus: http.StatusUnauthorized},
		{name: "Not a member", token: "alice:student", err: services.ErrForbidden, wantStatus: http.StatusForbidden},
		{name: "Spam", token: "alice:student", err: &services.ContentRejectedError{Reasons: []string{"blocklisted_keyword"}, Score: 60}, wantStatus: http.StatusBadRequest},
		{name: "Store down", token: "alice:student", err: services.ErrPersistence, wantStatus: http.StatusInternalServerError},
		{name: "Unexpected", token: "alice:student", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			mux := newRoomMux(&fakeMessages{postErr: tt.err})
			w := do(mux, http.MethodPost, "/discussions/c1", tt.token, jsonBody(map[string]string{"content": "hello"}), "application/json")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestPostMessage_SpamBodyCarriesReasons(t *testing.T) {
	req := require.New(t)
	mux := newRoomMux(&fakeMessages{postErr: &services.ContentRejectedError{Reasons: []string{"blocklisted_keyword", "excessive_caps"}, Score: 60}})

	w := do(mux, http.MethodPost, "/groups/g1/messages", "alice:student", jsonBody(map[string]string{"content": "x"}), "application/json")
	req.Equal(http.StatusBadRequest, w.Code)
	req.JSONEq(`{"error":"content rejected as spam","reasons":["blocklisted_keyword","excessive_caps"],"score":60}`, w.Body.String())
}

func TestPostMessage_RateLimited(t *testing.T) {
	req := require.New(t)
	mux := newRoomMux(&fakeMessages{postErr: &services.RateLimitedError{RetryAfter: 41500 * time.Millisecond}})

	w := do(mux, http.MethodPost, "/discussions/c1", "alice:student", jsonBody(map[string]string{"content": "hello"}), "application/json")
	req.Equal(http.StatusTooManyRequests, w.Code)
	req.Equal("42", w.Header().Get("Retry-After"))
	req.JSONEq(`{"error":"rate limited","retryAfter":42,"retryAfterMs":41500}`, w.Body.String())
}

func TestPostMessage_BadJSON(t *testing.T) {
	mux := newRoomMux(&fakeMessages{})
	w := do(mux, http.MethodPost, "/discussions/c1", "alice:student", bytes.NewBufferString("{"), "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessage_Multipart(t *testing.T) {
	req := require.New(t)
	messages := &fakeMessages{}
	mux := newRoomMux(messages)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	req.NoError(mw.WriteField("content", "see attached"))
	req.NoError(mw.WriteField("attachments", `[{"url":"https://cdn.example.com/x.png","filename":"x.png","type":"image/png"}]`))
	part, err := mw.CreateFormFile("files", "notes.txt")
	req.NoError(err)
	_, err = part.Write([]byte("lecture notes"))
	req.NoError(err)
	req.NoError(mw.Close())

	w := do(mux, http.MethodPost, "/discussions/c1", "alice:student", body, mw.FormDataContentType())
	req.Equal(http.StatusCreated, w.Code, w.Body.String())
	req.Len(messages.posted, 1)
	req.Equal("see attached", messages.posted[0].Content)
	req.Len(messages.posted[0].Attachments, 1)
	req.Equal(map[string]string{"notes.txt": "lecture notes"}, messages.files)
}

func multipartWithFile(t *testing.T, content, filename, data string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("content", content))
	part, err := mw.CreateFormFile("files", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

type discardHub struct{}

func (discardHub) Broadcast(context.Context, models.RoomID, models.ServerEvent, string) error {
	return nil
}

func TestPostMessage_RejectedUploadsAreNotStored(t *testing.T) {
	req := require.New(t)
	db, err := database.NewBadgerDB("")
	req.NoError(err)
	t.Cleanup(func() { db.Close() })
	req.NoError(db.AddClassroomMember("c1", "member"))

	dir := t.TempDir()
	uploads, err := services.NewDiskUploader(dir, "/uploads", 1<<20)
	req.NoError(err)
	spam, err := moderation.NewSpamFilter(moderation.DefaultKeywords, moderation.DefaultSpamConfig())
	req.NoError(err)
	svc := services.NewMessageService(db, services.NewRoomService(db), spam, ratelimit.NewMemoryLimiter(1, time.Minute), uploads, discardHub{}, 5000)
	mux := newRoomMux(svc)

	stored := func() int {
		entries, err := os.ReadDir(dir)
		req.NoError(err)
		return len(entries)
	}

	body, ct := multipartWithFile(t, "hello", "notes.txt", "lecture notes")
	w := do(mux, http.MethodPost, "/discussions/c1", "outsider:student", body, ct)
	req.Equal(http.StatusForbidden, w.Code, w.Body.String())
	req.Zero(stored())

	body, ct = multipartWithFile(t, "WIN A FREE PRIZE CLICK HERE https://a https://b https://c https://d", "notes.txt", "lecture notes")
	w = do(mux, http.MethodPost, "/discussions/c1", "member:student", body, ct)
	req.Equal(http.StatusBadRequest, w.Code, w.Body.String())
	req.Zero(stored())

	w = do(mux, http.MethodPost, "/discussions/c1", "member:student", jsonBody(map[string]string{"content": "first"}), "application/json")
	req.Equal(http.StatusCreated, w.Code, w.Body.String())

	body, ct = multipartWithFile(t, "second", "notes.txt", "lecture notes")
	w = do(mux, http.MethodPost, "/discussions/c1", "member:student", body, ct)
	req.Equal(http.StatusTooManyRequests, w.Code, w.Body.String())
	req.Zero(stored())
}

func TestPostMessage_BodyTooLarge(t *testing.T) {
	req := require.New(t)
	messages := &fakeMessages{}
	mux := newRoomMuxWithLimit(messages, 256)

	w := do(mux, http.MethodPost, "/discussions/c1", "alice:student", jsonBody(map[string]string{"content": strings.Repeat("a", 1024)}), "application/json")
	req.Equal(http.StatusRequestEntityTooLarge, w.Code, w.Body.String())

	body, ct := multipartWithFile(t, "hi", "big.txt", strings.Repeat("x", 4096))
	w = do(mux, http.MethodPost, "/discussions/c1", "alice:student", body, ct)
	req.Equal(http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	req.Empty(messages.posted)
}

func TestHistory_QueryParameters(t *testing.T) {
	req := require.New(t)
	messages := &fakeMessages{}
	mux := newRoomMux(messages)

	w := do(mux, http.MethodGet, "/discussions/c1?limit=20&before=2024-03-01T10:00:00Z", "alice:student", nil, "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[]`, w.Body.String())
	req.Equal(historyCall{
		room:   models.ClassroomRoom("c1"),
		before: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		limit:  20,
	}, messages.histories[0])

	w = do(mux, http.MethodGet, "/groups/g1/messages", "alice:student", nil, "")
	req.Equal(http.StatusOK, w.Code)
	req.Equal(models.GroupRoom("g1"), messages.histories[1].room)
	req.Zero(messages.histories[1].limit)

	for _, q := range []string{"limit=0", "limit=abc", "before=yesterday"} {
		w = do(mux, http.MethodGet, "/discussions/c1?"+q, "alice:student", nil, "")
		req.Equal(http.StatusBadRequest, w.Code, q)
	}
}

func TestDeleteMessage(t *testing.T) {
	req := require.New(t)
	id := uuid.NewString()

	w := do(newRoomMux(&fakeMessages{}), http.MethodDelete, "/discussions/c1/messages/"+id, "alice:student", nil, "")
	req.Equal(http.StatusNoContent, w.Code)

	w = do(newRoomMux(&fakeMessages{}), http.MethodDelete, "/discussions/c1/messages/not-a-uuid", "alice:student", nil, "")
	req.Equal(http.StatusBadRequest, w.Code)

	w = do(newRoomMux(&fakeMessages{deleteErr: services.ErrNotFound}), http.MethodDelete, "/discussions/c1/messages/"+id, "alice:student", nil, "")
	req.Equal(http.StatusNotFound, w.Code)

	w = do(newRoomMux(&fakeMessages{deleteErr: services.ErrForbidden}), http.MethodDelete, "/discussions/c1/messages/"+id, "bob:student", nil, "")
	req.Equal(http.StatusForbidden, w.Code)
}

type fakeBoard struct {
	updates []models.RecentActivity
	top     []models.Performer
	err     error
	limit   int
}

func (b *fakeBoard) UpdateScore(_ context.Context, userID string, points int64, reason string) {
	b.updates = append(b.updates, models.RecentActivity{Username: userID, Points: points, Reason: reason})
}

func (b *fakeBoard) GetTopPerformers(_ context.Context, limit int) ([]models.Performer, error) {
	b.limit = limit
	return b.top, b.err
}

func TestRecordScore(t *testing.T) {
	board := &fakeBoard{}
	h := NewLeaderboardHandlers(board, tokenResolver{}, services.NewValidator())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scores", h.RecordScore)

	cases := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "Teacher records a score", token: "t1:teacher", body: models.ScoreRequest{UserID: "u1", Points: 50, Reason: "Quiz completed"}, wantStatus: http.StatusAccepted},
		{name: "Students cannot", token: "u1:student", body: models.ScoreRequest{UserID: "u1", Points: 50}, wantStatus: http.StatusForbidden},
		{name: "Missing user", token: "t1:teacher", body: models.ScoreRequest{Points: 5}, wantStatus: http.StatusBadRequest},
		{name: "Non-positive points", token: "t1:teacher", body: models.ScoreRequest{UserID: "u1"}, wantStatus: http.StatusBadRequest},
		{name: "Anonymous", body: models.ScoreRequest{UserID: "u1", Points: 5}, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, http.MethodPost, "/scores", tt.token, jsonBody(tt.body), "application/json")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
	require.Equal(t, []models.RecentActivity{{Username: "u1", Points: 50, Reason: "Quiz completed"}}, board.updates)
}

func TestTopPerformers(t *testing.T) {
	req := require.New(t)
	board := &fakeBoard{top: []models.Performer{{UserID: "u1", Username: "Uma", Score: 50, LastReason: "Quiz completed"}}}
	h := NewLeaderboardHandlers(board, tokenResolver{}, services.NewValidator())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /leaderboard/top", h.TopPerformers)

	w := do(mux, http.MethodGet, "/leaderboard/top?limit=5", "a:admin", nil, "")
	req.Equal(http.StatusOK, w.Code)
	req.Equal(5, board.limit)
	req.JSONEq(`{"topPerformers":[{"userId":"u1","username":"Uma","score":50,"lastReason":"Quiz completed"}]}`, w.Body.String())

	w = do(mux, http.MethodGet, "/leaderboard/top?limit=101", "a:admin", nil, "")
	req.Equal(http.StatusBadRequest, w.Code)

	board.err = errors.New("redis down")
	w = do(mux, http.MethodGet, "/leaderboard/top", "a:admin", nil, "")
	req.Equal(http.StatusServiceUnavailable, w.Code)
}

type staticStats map[string]int

func (s staticStats) Stats() map[string]int { return s }

func TestHealth(t *testing.T) {
	h := NewHealthHandlers(staticStats{"connections": 3, "rooms": 2}, "redis")
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","bus":"redis","connections":3,"rooms":2}`, w.Body.String())
}
