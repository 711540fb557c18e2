package models

import (
	"errors"
	"strings"
)

type RoomKind string

const (
	RoomClassroom  RoomKind = "classroom"
	RoomGroup      RoomKind = "group"
	RoomWhiteboard RoomKind = "whiteboard"
	RoomUser       RoomKind = "user"
	RoomAdmin      RoomKind = "admin"
)

// AdminDashboard is the single room that receives leaderboard pushes.
const AdminDashboard RoomID = "admin:dashboard"

var (
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrForbidden means the identity is valid but not allowed in the room.
	ErrForbidden = errors.New("forbidden")
)

// RoomID is a broadcast scope of the form "<kind>:<id>". Rooms are an
// addressing scheme only; nothing about them is persisted.
type RoomID string

func ClassroomRoom(id string) RoomID  { return RoomID(string(RoomClassroom) + ":" + id) }
func GroupRoom(id string) RoomID      { return RoomID(string(RoomGroup) + ":" + id) }
func WhiteboardRoom(id string) RoomID { return RoomID(string(RoomWhiteboard) + ":" + id) }
func UserRoom(id string) RoomID       { return RoomID(string(RoomUser) + ":" + id) }

func ParseRoomID(s string) (RoomID, error) {
	if s == string(AdminDashboard) {
		return AdminDashboard, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || strings.ContainsAny(id, ": \t\n") {
		return "", ErrInvalidRoom
	}
	switch RoomKind(kind) {
	case RoomClassroom, RoomGroup, RoomWhiteboard, RoomUser:
		return RoomID(s), nil
	}
	return "", ErrInvalidRoom
}

func (r RoomID) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(r), ":")
	return RoomKind(kind)
}

// Ref returns the part after the kind prefix ("dashboard" for the admin room).
func (r RoomID) Ref() string {
	_, ref, _ := strings.Cut(string(r), ":")
	return ref
}

func (r RoomID) String() string { return string(r) }

type Group struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	AllStudents bool     `json:"all_students"`
	Members     []string `json:"members"`
}
