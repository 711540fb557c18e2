package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"lms-realtime/internal/database"
	"lms-realtime/internal/models"
	"lms-realtime/internal/moderation"
	"lms-realtime/internal/ratelimit"
	"lms-realtime/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	MaxAttachments      = 10
)

type Authorizer interface {
	Authorize(ctx context.Context, id models.Identity, room models.RoomID) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, room models.RoomID, evt models.ServerEvent, exclude string) error
}

type SpamChecker interface {
	Check(content string) moderation.SpamResult
}

// MessageService is the post/history/delete path for classroom discussions
// and group chats.
type MessageService struct {
	messages   database.MessageRepository
	rooms      Authorizer
	spam       SpamChecker
	limiter    ratelimit.Limiter
	uploads    Uploader
	hub        Broadcaster
	validate   *validator.Validate
	maxContent int
	now        func() time.Time
	log        *logger.Logger
}

func NewMessageService(
	messages database.MessageRepository,
	rooms Authorizer,
	spam SpamChecker,
	limiter ratelimit.Limiter,
	uploads Uploader,
	hub Broadcaster,
	maxContentLength int,
) *MessageService {
	return &MessageService{
		messages:   messages,
		rooms:      rooms,
		spam:       spam,
		limiter:    limiter,
		uploads:    uploads,
		hub:        hub,
		validate:   NewValidator(),
		maxContent: maxContentLength,
		now:        time.Now,
		log:        logger.With("component", "messages"),
	}
}

// NewValidator reports field errors under their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Post admits, stores and broadcasts one message. Checks run in order:
// input validation, room authorization, spam, rate limit. A message that
// fails any of them is never stored, and a spam rejection does not count
// against the sender's rate budget. Files are written only once the message
// is admitted and are removed again if the message cannot be stored.
func (s *MessageService) Post(ctx context.Context, id models.Identity, room models.RoomID, req models.PostMessageRequest, files ...FileUpload) (*models.Message, error) {
	event, err := messageEvent(room)
	if err != nil {
		return nil, err
	}

	req.Content = strings.TrimSpace(req.Content)
	if len(req.Attachments) == 0 {
		req.Attachments = nil
	}
	if err := s.validateRequest(req, len(files)); err != nil {
		return nil, err
	}

	if err := s.rooms.Authorize(ctx, id, room); err != nil {
		return nil, err
	}

	if req.Content != "" {
		if res := s.spam.Check(req.Content); res.IsSpam {
			s.log.Info("Rejected spam from %s in %s (score %d: %v)", id.UserID, room, res.Score, res.Reasons)
			return nil, &ContentRejectedError{Reasons: res.Reasons, Score: res.Score}
		}
	}

	decision, err := s.limiter.Check(ctx, id.UserID)
	if err != nil {
		s.log.Error("Rate limiter unavailable, admitting message from %s: %v", id.UserID, err)
	} else if decision.Limited {
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	stored, err := s.storeFiles(ctx, files)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:          uuid.New(),
		Room:        room,
		AuthorID:    id.UserID,
		AuthorName:  id.Username,
		Content:     req.Content,
		Attachments: append(req.Attachments, stored...),
		CreatedAt:   s.timestamp(),
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		s.log.Error("Storing message in %s: %v", room, err)
		s.discardFiles(ctx, stored)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.hub.Broadcast(ctx, room, models.ServerEvent{Event: event, Data: msg}, ""); err != nil {
		s.log.Error("Broadcasting message %s: %v", msg.ID, err)
	}
	return msg, nil
}

func (s *MessageService) validateRequest(req models.PostMessageRequest, fileCount int) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ContentRejectedError{Reasons: []string{err.Error()}}
		}
		reasons := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			// Uploaded files alone make a valid post.
			if fileCount > 0 && fe.Tag() == "required_without" {
				continue
			}
			reasons = append(reasons, fmt.Sprintf("%s: %s", strings.TrimPrefix(fe.Namespace(), "PostMessageRequest."), fe.Tag()))
		}
		if len(reasons) > 0 {
			return &ContentRejectedError{Reasons: reasons}
		}
	}
	if s.maxContent > 0 && utf8.RuneCountInString(req.Content) > s.maxContent {
		return &ContentRejectedError{Reasons: []string{fmt.Sprintf("content: longer than %d characters", s.maxContent)}}
	}
	if fileCount > 0 && s.uploads == nil {
		return &ContentRejectedError{Reasons: []string{"files: uploads are disabled"}}
	}
	if len(req.Attachments)+fileCount > MaxAttachments {
		return &ContentRejectedError{Reasons: []string{fmt.Sprintf("attachments: more than %d", MaxAttachments)}}
	}
	return nil
}

func (s *MessageService) storeFiles(ctx context.Context, files []FileUpload) ([]models.Attachment, error) {
	stored := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		att, err := s.saveFile(ctx, f)
		if err != nil {
			s.discardFiles(ctx, stored)
			return nil, err
		}
		stored = append(stored, att)
	}
	return stored, nil
}

func (s *MessageService) saveFile(ctx context.Context, f FileUpload) (models.Attachment, error) {
	r, err := f.Open()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("opening upload %s: %w", f.Filename, err)
	}
	defer r.Close()
	return s.uploads.Save(ctx, f.Filename, r)
}

// discardFiles removes files stored for a message that was never persisted.
func (s *MessageService) discardFiles(ctx context.Context, atts []models.Attachment) {
	ctx = context.WithoutCancel(ctx)
	for _, att := range atts {
		if err := s.uploads.Remove(ctx, att); err != nil {
			s.log.Warn("Removing orphaned upload %s: %v", att.URL, err)
		}
	}
}

// timestamp is the creation time at the precision every store keeps, so a
// broadcast createdAt can be used as a history cursor.
func (s *MessageService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// History returns up to limit live messages older than before, oldest first.
func (s *MessageService) History(ctx context.Context, id models.Identity, room models.RoomID, before time.Time, limit int) ([]*models.Message, error) {
	if _, err := messageEvent(room); err != nil {
		return nil, err
	}
	if err := s.rooms.Authorize(ctx, id, room); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	messages, err := s.messages.FindMessages(ctx, models.MessageQuery{Room: room, Before: before, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}

// Delete soft-deletes a message. The caller must still belong to the room.
// Authors may delete their own messages; moderators, teachers and admins may
// delete any. Deleting twice is a no-op.
func (s *MessageService) Delete(ctx context.Context, id models.Identity, room models.RoomID, messageID uuid.UUID) error {
	if _, err := messageEvent(room); err != nil {
		return err
	}
	if err := s.rooms.Authorize(ctx, id, room); err != nil {
		return err
	}

	msg, err := s.messages.GetMessage(ctx, room, messageID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if msg.AuthorID != id.UserID && !id.Role.CanModerate() {
		return ErrForbidden
	}
	if msg.Deleted {
		return nil
	}

	if err := s.messages.SoftDeleteMessage(ctx, room, messageID, id.UserID, s.timestamp()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	evt := models.ServerEvent{
		Event: models.EventMessageDeleted,
		Data:  models.MessageDeletedPayload{MessageID: messageID.String(), Room: room},
	}
	if err := s.hub.Broadcast(ctx, room, evt, ""); err != nil {
		s.log.Error("Broadcasting deletion of %s: %v", messageID, err)
	}
	return nil
}

func messageEvent(room models.RoomID) (models.EventKind, error) {
	switch room.Kind() {
	case models.RoomClassroom:
		return models.EventNewMessage, nil
	case models.RoomGroup:
		return models.EventNewGroupMessage, nil
	}
	return "", models.ErrInvalidRoom
}
