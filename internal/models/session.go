package models

import "time"

type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusExpired  SessionStatus = "expired"
	StatusDeleting SessionStatus = "deleting"
)

// Session is one imported dataset, addressed by an opaque id until it expires.
type Session struct {
	ID            string        `json:"sessionId"`
	TempTableName string        `json:"tempTableName"`
	FileName      string        `json:"fileName"`
	RowCount      int           `json:"rowCount"`
	SkippedRows   int           `json:"skippedRows"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// Expired reports whether the retention window has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
