package models

import "time"

// Session groups a sequence of turns under an opaque identifier.
type Session struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
