package models

import "time"

type Role string

const (
	RoleStudent   Role = "student"
	RoleTeacher   Role = "teacher"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

// Elevated roles may read any group and the admin dashboard.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleTeacher
}

// CanModerate reports whether the role may soft-delete other users' messages.
func (r Role) CanModerate() bool {
	return r.Elevated() || r == RoleModerator
}

// Identity is what a verified credential resolves to. It is attached to a
// connection once and trusted for the rest of its lifetime.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
