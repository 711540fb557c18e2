package models

type Performer struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Score      int64  `json:"score"`
	// LastReason is the reason attached to the user's latest scored activity
	// today.
	LastReason string `json:"lastReason,omitempty"`
}

type RecentActivity struct {
	Username string `json:"username"`
	Points   int64  `json:"points"`
	Reason   string `json:"reason"`
}

type ScoreRequest struct {
	UserID string `json:"userId" validate:"required"`
	Points int64  `json:"points" validate:"gt=0"`
	Reason string `json:"reason" validate:"max=200"`
}
