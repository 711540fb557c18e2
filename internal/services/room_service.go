package services

import (
	"context"
	"errors"
	"fmt"

	"lms-realtime/internal/database"
	"lms-realtime/internal/models"

	"github.com/samber/lo"
)

// RoomService decides who may join or post to a room. It asks the membership
// store on every call.
type RoomService struct {
	db database.MembershipRepository
}

func NewRoomService(db database.MembershipRepository) *RoomService {
	return &RoomService{db: db}
}

// Authorize returns nil, ErrForbidden, models.ErrInvalidRoom or a wrapped
// store error. Store errors deny access.
func (s *RoomService) Authorize(ctx context.Context, id models.Identity, room models.RoomID) error {
	if _, err := models.ParseRoomID(room.String()); err != nil {
		return err
	}

	switch room.Kind() {
	case models.RoomClassroom:
		isMember, err := s.db.IsClassroomMember(ctx, room.Ref(), id.UserID)
		if err != nil {
			return fmt.Errorf("checking classroom membership: %w", err)
		}
		if !isMember {
			return ErrForbidden
		}
		return nil

	case models.RoomGroup:
		return s.authorizeGroup(ctx, id, room.Ref())

	case models.RoomAdmin:
		if !id.Role.Elevated() {
			return ErrForbidden
		}
		return nil

	case models.RoomWhiteboard:
		return nil

	case models.RoomUser:
		if room.Ref() != id.UserID {
			return ErrForbidden
		}
		return nil
	}

	return models.ErrInvalidRoom
}

func (s *RoomService) authorizeGroup(ctx context.Context, id models.Identity, groupID string) error {
	group, err := s.db.GetGroup(ctx, groupID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("loading group %s: %w", groupID, err)
	}

	if group.AllStudents || group.OwnerID == id.UserID || id.Role.Elevated() {
		return nil
	}
	if lo.Contains(group.Members, id.UserID) {
		return nil
	}
	return ErrForbidden
}
