package bus

import (
	"context"
	"encoding/json"
	"errors"

	"lms-realtime/internal/models"
)

var ErrClosed = errors.New("bus closed")

// Envelope carries one fully built event for a room. Receivers deliver it to
// their local members of Room, skipping the connection named by Exclude.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    models.RoomID   `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

type Handler func(Envelope)

// FanOutBus moves envelopes between server processes. Only per-origin order
// is preserved; the durable store stays the source of truth for history.
type FanOutBus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	// Shared reports whether envelopes leave this process.
	Shared() bool
	Close() error
}
