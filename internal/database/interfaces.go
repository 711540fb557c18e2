//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=../mocks/mock_database.go -package=mocks
package database

import (
	"context"
	"errors"
	"time"

	"lms-realtime/internal/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// MessageRepository is the durable, append-only message log. Messages are
// never hard-deleted; SoftDeleteMessage only flags them.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	FindMessages(ctx context.Context, q models.MessageQuery) ([]*models.Message, error)
	GetMessage(ctx context.Context, room models.RoomID, id uuid.UUID) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, room models.RoomID, id uuid.UUID, deletedBy string, at time.Time) error
}

// MembershipRepository answers authorization questions. It is read on every
// join and every post, never cached.
type MembershipRepository interface {
	IsClassroomMember(ctx context.Context, classroomID, userID string) (bool, error)
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
}

type UserRepository interface {
	GetUsernames(ctx context.Context, userIDs []string) (map[string]string, error)
}

type Database interface {
	MessageRepository
	MembershipRepository
	UserRepository
	Close() error
}
