package services

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"lms-realtime/internal/mocks"
	"lms-realtime/internal/models"
	"lms-realtime/internal/moderation"
	"lms-realtime/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type broadcast struct {
	room models.RoomID
	evt  models.ServerEvent
}

type recordingHub struct {
	mu   sync.Mutex
	sent []broadcast
	err  error
}

func (h *recordingHub) Broadcast(_ context.Context, room models.RoomID, evt models.ServerEvent, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, broadcast{room: room, evt: evt})
	return h.err
}

func (h *recordingHub) events() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.sent...)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, models.Identity, models.RoomID) error { return nil }

type denyAll struct{}

func (denyAll) Authorize(context.Context, models.Identity, models.RoomID) error { return ErrForbidden }

type fixture struct {
	repo      *mocks.MockMessageRepository
	hub       *recordingHub
	limiter   *ratelimit.MemoryLimiter
	uploadDir string
	svc       *MessageService
}

func newFixture(t *testing.T, rooms Authorizer, maxMessages int) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockMessageRepository(ctrl)
	hub := &recordingHub{}
	spam, err := moderation.NewSpamFilter(moderation.DefaultKeywords, moderation.DefaultSpamConfig())
	require.NoError(t, err)
	limiter := ratelimit.NewMemoryLimiter(maxMessages, time.Minute)
	dir := t.TempDir()
	uploads, err := NewDiskUploader(dir, "/uploads", 1024)
	require.NoError(t, err)

	return &fixture{
		repo:      repo,
		hub:       hub,
		limiter:   limiter,
		uploadDir: dir,
		svc:       NewMessageService(repo, rooms, spam, limiter, uploads, hub, 200),
	}
}

func (f *fixture) storedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	return len(entries)
}

func textFile(name, body string) FileUpload {
	return FileUpload{
		Filename: name,
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

var alice = models.Identity{UserID: "alice", Username: "Alice", Role: models.RoleStudent}

func TestMessageService_PostPersistsThenBroadcasts(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	room := models.GroupRoom("g1")

	var stored *models.Message
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m *models.Message) error {
		stored = m
		return nil
	})

	msg, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{
		Content:     "  notes attached  ",
		Attachments: []models.Attachment{{URL: "https://cdn.example.com/a.pdf", Filename: "a.pdf", Type: "application/pdf"}},
	})
	req.NoError(err)
	req.Same(stored, msg)
	req.Equal("notes attached", msg.Content)
	req.Equal("alice", msg.AuthorID)
	req.Equal("Alice", msg.AuthorName)
	req.Len(msg.Attachments, 1)

	sent := f.hub.events()
	req.Len(sent, 1)
	req.Equal(room, sent[0].room)
	req.Equal(models.EventNewGroupMessage, sent[0].evt.Event)
	req.Same(msg, sent[0].evt.Data)
}

func TestMessageService_PostStoresFilesAfterAdmission(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)

	msg, err := f.svc.Post(context.Background(), alice, models.ClassroomRoom("x"), models.PostMessageRequest{}, textFile("notes.txt", "lecture notes"))
	req.NoError(err)
	req.Empty(msg.Content)
	req.Len(msg.Attachments, 1)
	req.Equal("notes.txt", msg.Attachments[0].Filename)
	req.True(strings.HasPrefix(msg.Attachments[0].Type, "text/plain"))
	req.Equal(1, f.storedFiles(t))
}

func TestMessageService_RejectedPostLeavesNoFiles(t *testing.T) {
	room := models.ClassroomRoom("x")
	files := []FileUpload{textFile("a.txt", "first"), textFile("b.txt", "second")}

	t.Run("Not a member", func(t *testing.T) {
		f := newFixture(t, denyAll{}, 10)
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "hi"}, files...)
		require.ErrorIs(t, err, ErrForbidden)
		require.Zero(t, f.storedFiles(t))
	})

	t.Run("Spam", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{
			Content: "WIN A FREE PRIZE CLICK HERE https://a https://b https://c https://d",
		}, files...)
		var rejected *ContentRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Zero(t, f.storedFiles(t))
	})

	t.Run("Rate limited", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 1)
		f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "first"})
		require.NoError(t, err)

		_, err = f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "second"}, files...)
		var limited *RateLimitedError
		require.ErrorAs(t, err, &limited)
		require.Zero(t, f.storedFiles(t))
	})

	t.Run("Store failure", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "hi"}, files...)
		require.ErrorIs(t, err, ErrPersistence)
		require.Zero(t, f.storedFiles(t))
	})

	t.Run("One file too large", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "hi"},
			textFile("small.txt", "ok"), textFile("big.txt", strings.Repeat("x", 2048)))
		var rejected *ContentRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Zero(t, f.storedFiles(t))
	})
}

func TestMessageService_CreatedAtIsMicrosecondPrecision(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	f.svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC) }
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)

	msg, err := f.svc.Post(context.Background(), alice, models.ClassroomRoom("x"), models.PostMessageRequest{Content: "hi"})
	req.NoError(err)
	req.Equal(time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC), msg.CreatedAt)
}

func TestMessageService_EleventhMessageIsRateLimited(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	room := models.ClassroomRoom("x")

	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil).Times(10)

	for i := 0; i < 10; i++ {
		_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "message"})
		req.NoError(err)
	}

	_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "one too many"})
	var limited *RateLimitedError
	req.ErrorAs(err, &limited)
	req.Greater(limited.RetryAfter, time.Duration(0))
	req.Len(f.hub.events(), 10)
}

func TestMessageService_SpamIsRejectedWithoutSpendingBudget(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 1)
	room := models.ClassroomRoom("x")

	_, err := f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{
		Content: "WIN A FREE PRIZE CLICK HERE https://a https://b https://c https://d",
	})
	var rejected *ContentRejectedError
	req.ErrorAs(err, &rejected)
	req.GreaterOrEqual(rejected.Score, 50)
	req.Contains(rejected.Reasons, moderation.ReasonKeyword)

	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	_, err = f.svc.Post(context.Background(), alice, room, models.PostMessageRequest{Content: "sorry, wrong tab"})
	req.NoError(err)
}

func TestMessageService_ForbiddenRoom(t *testing.T) {
	f := newFixture(t, denyAll{}, 10)
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.svc.Post(context.Background(), alice, models.ClassroomRoom("x"), models.PostMessageRequest{Content: "hi"})
	require.ErrorIs(t, err, ErrForbidden)
	require.Empty(t, f.hub.events())
}

func TestMessageService_InvalidInput(t *testing.T) {
	f := newFixture(t, allowAll{}, 10)
	room := models.ClassroomRoom("x")

	cases := []struct {
		name string
		room models.RoomID
		req  models.PostMessageRequest
		want error
	}{
		{name: "Empty message", room: room, req: models.PostMessageRequest{Content: "   "}},
		{name: "Too long", room: room, req: models.PostMessageRequest{Content: strings.Repeat("a", 201)}},
		{name: "Attachment without URL", room: room, req: models.PostMessageRequest{Attachments: []models.Attachment{{Filename: "x.png"}}}},
		{name: "Whiteboard is not a chat room", room: models.WhiteboardRoom("s1"), req: models.PostMessageRequest{Content: "hi"}, want: models.ErrInvalidRoom},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Post(context.Background(), alice, tt.room, tt.req)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				return
			}
			var rejected *ContentRejectedError
			require.ErrorAs(t, err, &rejected)
			require.Zero(t, rejected.Score)
		})
	}
}

func TestMessageService_PersistenceFailureIsSurfaced(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	_, err := f.svc.Post(context.Background(), alice, models.ClassroomRoom("x"), models.PostMessageRequest{Content: "hi"})
	req.ErrorIs(err, ErrPersistence)
	req.Empty(f.hub.events(), "nothing is broadcast for a message that was not stored")
}

func TestMessageService_BroadcastFailureDoesNotFailPost(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, allowAll{}, 10)
	f.hub.err = errors.New("bus down")
	f.repo.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)

	msg, err := f.svc.Post(context.Background(), alice, models.ClassroomRoom("x"), models.PostMessageRequest{Content: "hi"})
	req.NoError(err)
	req.NotNil(msg)
}

func TestMessageService_History(t *testing.T) {
	ctx := context.Background()
	room := models.ClassroomRoom("x")
	before := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{name: "Default limit", limit: 0, wantLimit: DefaultHistoryLimit},
		{name: "Requested limit", limit: 20, wantLimit: 20},
		{name: "Capped limit", limit: 500, wantLimit: MaxHistoryLimit},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t, allowAll{}, 10)
			f.repo.EXPECT().
				FindMessages(gomock.Any(), models.MessageQuery{Room: room, Before: before, Limit: tt.wantLimit}).
				Return(nil, nil)

			got, err := f.svc.History(ctx, alice, room, before, tt.limit)
			req.NoError(err)
			req.NotNil(got)
			req.Empty(got)
		})
	}

	t.Run("Forbidden", func(t *testing.T) {
		f := newFixture(t, denyAll{}, 10)
		_, err := f.svc.History(ctx, alice, room, time.Time{}, 10)
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("Store failure", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().FindMessages(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout"))
		_, err := f.svc.History(ctx, alice, room, time.Time{}, 10)
		require.ErrorIs(t, err, ErrPersistence)
	})
}

func TestMessageService_Delete(t *testing.T) {
	ctx := context.Background()
	room := models.ClassroomRoom("x")
	id := uuid.New()
	own := &models.Message{ID: id, Room: room, AuthorID: "alice"}

	t.Run("Author deletes own message", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().GetMessage(gomock.Any(), room, id).Return(own, nil)
		f.repo.EXPECT().SoftDeleteMessage(gomock.Any(), room, id, "alice", gomock.Any()).Return(nil)

		req.NoError(f.svc.Delete(ctx, alice, room, id))
		sent := f.hub.events()
		req.Len(sent, 1)
		req.Equal(models.EventMessageDeleted, sent[0].evt.Event)
		req.Equal(models.MessageDeletedPayload{MessageID: id.String(), Room: room}, sent[0].evt.Data)
	})

	t.Run("Other student is forbidden", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().GetMessage(gomock.Any(), room, id).Return(own, nil)
		f.repo.EXPECT().SoftDeleteMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		bob := models.Identity{UserID: "bob", Role: models.RoleStudent}
		require.ErrorIs(t, f.svc.Delete(ctx, bob, room, id), ErrForbidden)
	})

	t.Run("Moderator deletes any message", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().GetMessage(gomock.Any(), room, id).Return(own, nil)
		f.repo.EXPECT().SoftDeleteMessage(gomock.Any(), room, id, "mod", gomock.Any()).Return(nil)

		mod := models.Identity{UserID: "mod", Role: models.RoleModerator}
		require.NoError(t, f.svc.Delete(ctx, mod, room, id))
	})

	t.Run("Already deleted is a no-op", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		gone := *own
		gone.Deleted = true
		f.repo.EXPECT().GetMessage(gomock.Any(), room, id).Return(&gone, nil)

		require.NoError(t, f.svc.Delete(ctx, alice, room, id))
		require.Empty(t, f.hub.events())
	})

	t.Run("Moderator outside the room is forbidden", func(t *testing.T) {
		f := newFixture(t, denyAll{}, 10)
		f.repo.EXPECT().GetMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		mod := models.Identity{UserID: "mod", Role: models.RoleModerator}
		require.ErrorIs(t, f.svc.Delete(ctx, mod, room, id), ErrForbidden)
		require.Empty(t, f.hub.events())
	})

	t.Run("Author removed from the room is forbidden", func(t *testing.T) {
		f := newFixture(t, denyAll{}, 10)
		require.ErrorIs(t, f.svc.Delete(ctx, alice, room, id), ErrForbidden)
	})

	t.Run("Not a chat room", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		require.ErrorIs(t, f.svc.Delete(ctx, alice, models.WhiteboardRoom("s1"), id), models.ErrInvalidRoom)
	})

	t.Run("Unknown message", func(t *testing.T) {
		f := newFixture(t, allowAll{}, 10)
		f.repo.EXPECT().GetMessage(gomock.Any(), room, id).Return(nil, ErrNotFound)

		require.ErrorIs(t, f.svc.Delete(ctx, alice, room, id), ErrNotFound)
	})
}
