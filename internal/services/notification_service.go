package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// NotificationService pushes staff notifications to users and announcements
// to classrooms. Only elevated roles may send either.
type NotificationService struct {
	hub      Broadcaster
	validate *validator.Validate
	now      func() time.Time
	log      *logger.Logger
}

func NewNotificationService(hub Broadcaster) *NotificationService {
	return &NotificationService{
		hub:      hub,
		validate: NewValidator(),
		now:      time.Now,
		log:      logger.With("component", "notifications"),
	}
}

func (s *NotificationService) NotifyUser(ctx context.Context, from models.Identity, userID string, req models.NotificationRequest) (*models.Notification, error) {
	room, err := models.ParseRoomID(string(models.UserRoom(userID)))
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = "info"
	}
	return s.push(ctx, from, room, models.EventNotification, req)
}

func (s *NotificationService) Announce(ctx context.Context, from models.Identity, classroomID string, req models.NotificationRequest) (*models.Notification, error) {
	room, err := models.ParseRoomID(string(models.ClassroomRoom(classroomID)))
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = "announcement"
	}
	return s.push(ctx, from, room, models.EventAnnouncement, req)
}

func (s *NotificationService) push(ctx context.Context, from models.Identity, room models.RoomID, event models.EventKind, req models.NotificationRequest) (*models.Notification, error) {
	if !from.Role.Elevated() {
		return nil, ErrForbidden
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			reasons := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				reasons = append(reasons, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			return nil, &ContentRejectedError{Reasons: reasons}
		}
		return nil, err
	}

	n := &models.Notification{
		ID:        uuid.New(),
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		From:      from.Username,
		CreatedAt: s.now().UTC(),
	}
	if err := s.hub.Broadcast(ctx, room, models.ServerEvent{Event: event, Data: n}, ""); err != nil {
		s.log.Error("Pushing %s to %s: %v", event, room, err)
	}
	return n, nil
}
