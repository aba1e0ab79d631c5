package models

import "time"

// Resolution is the audit record written for every resolved message.
type Resolution struct {
	ID         string    `json:"id"`
	Intent     string    `json:"intent"`
	UserID     string    `json:"user_id"`
	ErrorCode  string    `json:"error_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
