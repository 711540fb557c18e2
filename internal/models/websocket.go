package models

import (
	"encoding/json"
	"fmt"
)

type EventKind string

// Client → server
const (
	EventAuth                EventKind = "auth"
	EventJoinClassroom       EventKind = "joinClassroom"
	EventJoinGroup           EventKind = "joinGroup"
	EventJoinWhiteboard      EventKind = "joinWhiteboard"
	EventLeaveClassroom      EventKind = "leaveClassroom"
	EventLeaveGroup          EventKind = "leaveGroup"
	EventLeaveWhiteboard     EventKind = "leaveWhiteboard"
	EventTyping              EventKind = "typing"
	EventStopTyping          EventKind = "stopTyping"
	EventDraw                EventKind = "draw"
	EventCursorMove          EventKind = "cursorMove"
	EventClearCanvas         EventKind = "clearCanvas"
	EventJoinAdminDashboard  EventKind = "join_admin_dashboard"
	EventLeaveAdminDashboard EventKind = "leave_admin_dashboard"
)

// Server → client
const (
	EventAuthenticated        EventKind = "authenticated"
	EventJoined               EventKind = "joined"
	EventLeft                 EventKind = "left"
	EventError                EventKind = "error"
	EventNewMessage           EventKind = "newMessage"
	EventNewGroupMessage      EventKind = "newGroupMessage"
	EventMessageDeleted       EventKind = "messageDeleted"
	EventNotification         EventKind = "notification"
	EventAnnouncement         EventKind = "announcement"
	EventTopPerformersUpdate  EventKind = "top_performers_update"
	EventUserJoinedWhiteboard EventKind = "userJoinedWhiteboard"
	EventUserLeftWhiteboard   EventKind = "userLeftWhiteboard"
)

// Frame is the wire shape in both directions.
type Frame struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

// Relayed payloads carry the sender's UserID. The server fills it (and the
// typing username) from the connection identity; client values are ignored.
type TypingPayload struct {
	ClassroomID string `json:"classroomId"`
	Username    string `json:"username"`
	UserID      string `json:"userId,omitempty"`
}

type DrawPayload struct {
	SessionID string          `json:"sessionId"`
	DrawData  json.RawMessage `json:"drawData"`
	UserID    string          `json:"userId,omitempty"`
}

type CursorPayload struct {
	SessionID string          `json:"sessionId"`
	Position  json.RawMessage `json:"position"`
	UserID    string          `json:"userId,omitempty"`
}

type ClearCanvasPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ClientCommand interface {
	Kind() EventKind
}

// RoomCommand covers every join/leave variant; Room is already resolved to
// its full id.
type RoomCommand struct {
	Event EventKind
	Room  RoomID
}

type TypingCommand struct {
	Event   EventKind
	Payload TypingPayload
}

type DrawCommand struct{ Payload DrawPayload }

type CursorCommand struct{ Payload CursorPayload }

type ClearCanvasCommand struct{ SessionID string }

type DashboardCommand struct{ Event EventKind }

type AuthCommand struct{ Payload AuthPayload }

func (c RoomCommand) Kind() EventKind      { return c.Event }
func (c TypingCommand) Kind() EventKind    { return c.Event }
func (DrawCommand) Kind() EventKind        { return EventDraw }
func (CursorCommand) Kind() EventKind      { return EventCursorMove }
func (ClearCanvasCommand) Kind() EventKind { return EventClearCanvas }
func (c DashboardCommand) Kind() EventKind { return c.Event }
func (AuthCommand) Kind() EventKind        { return EventAuth }

type UnknownEventError struct{ Event EventKind }

func (e *UnknownEventError) Error() string { return fmt.Sprintf("unknown event %q", e.Event) }

// DecodeCommand turns a raw frame into one of the closed set of client
// commands. Each kind has exactly one payload shape.
func DecodeCommand(raw []byte) (ClientCommand, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Event {
	case EventAuth:
		var p AuthPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		return AuthCommand{Payload: p}, nil

	case EventJoinClassroom, EventLeaveClassroom:
		return roomCommand(f, ClassroomRoom)
	case EventJoinGroup, EventLeaveGroup:
		return roomCommand(f, GroupRoom)
	case EventJoinWhiteboard, EventLeaveWhiteboard:
		return roomCommand(f, WhiteboardRoom)

	case EventTyping, EventStopTyping:
		var p TypingPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		if p.ClassroomID == "" {
			return nil, fmt.Errorf("%s: classroomId is required", f.Event)
		}
		return TypingCommand{Event: f.Event, Payload: p}, nil

	case EventDraw:
		var p DrawPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("draw: sessionId is required")
		}
		return DrawCommand{Payload: p}, nil

	case EventCursorMove:
		var p CursorPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("cursorMove: sessionId is required")
		}
		return CursorCommand{Payload: p}, nil

	case EventClearCanvas:
		var id string
		if err := decodeData(f, &id); err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("clearCanvas: session id is required")
		}
		return ClearCanvasCommand{SessionID: id}, nil

	case EventJoinAdminDashboard, EventLeaveAdminDashboard:
		return DashboardCommand{Event: f.Event}, nil
	}

	return nil, &UnknownEventError{Event: f.Event}
}

func roomCommand(f Frame, build func(string) RoomID) (ClientCommand, error) {
	var id string
	if err := decodeData(f, &id); err != nil {
		return nil, err
	}
	room, err := ParseRoomID(string(build(id)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Event, err)
	}
	return RoomCommand{Event: f.Event, Room: room}, nil
}

func decodeData(f Frame, v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: missing data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", f.Event, err)
	}
	return nil
}

// ServerEvent is an outbound frame built by the server.
type ServerEvent struct {
	Event EventKind   `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func (e ServerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomPayload struct {
	Room RoomID `json:"room"`
}

type AuthenticatedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Role         Role   `json:"role"`
}

type WhiteboardPresencePayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	Room      RoomID `json:"room"`
}

type TopPerformersPayload struct {
	TopPerformers  []Performer     `json:"topPerformers"`
	RecentActivity *RecentActivity `json:"recentActivity,omitempty"`
}
