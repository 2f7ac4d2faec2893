package domain

import (
	"time"
)

// Session binds an authenticated caller to a server-side record.
// Deleting the record revokes every token that points at it.
type Session struct {
	ID        string    `json:"id"`
	Account   Account   `json:"account"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
