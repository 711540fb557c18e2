package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationRequest struct {
	Type  string `json:"type" validate:"omitempty,max=64"`
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=2000"`
}

// Notification is pushed to a personal room or, as an announcement, to a
// classroom. It is not persisted here.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	From      string    `json:"from"`
	CreatedAt time.Time `json:"createdAt"`
}
