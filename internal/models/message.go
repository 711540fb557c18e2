package models

import (
	"time"

	"github.com/google/uuid"
)

type Attachment struct {
	URL      string `json:"url" validate:"required,url|uri"`
	Filename string `json:"filename" validate:"max=255"`
	Type     string `json:"type" validate:"max=127"`
}

type Message struct {
	ID          uuid.UUID    `json:"id"`
	Room        RoomID       `json:"room"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	Deleted     bool         `json:"deleted,omitempty"`
	DeletedBy   string       `json:"deleted_by,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// MessageQuery selects a page of history: the newest Limit messages strictly
// before Before (or the newest overall when Before is zero).
type MessageQuery struct {
	Room   RoomID
	Before time.Time
	Limit  int
}

type PostMessageRequest struct {
	Content     string       `json:"content" validate:"required_without=Attachments"`
	Attachments []Attachment `json:"attachments" validate:"omitempty,max=10,dive"`
}
