package session

import (
	"time"

	"storymapper/api/internal/util"
)

// Context identifies one live session. It is created once when the session
// starts and passed explicitly to everything scoped to it.
type Context struct {
	Token     string
	UserID    string
	StartedAt time.Time
}

// New starts a session for userID. An empty userID runs the session without
// persistence.
func New(userID string) Context {
	now := time.Now().UTC()
	return Context{
		Token:     util.NewSessionToken(now),
		UserID:    userID,
		StartedAt: now,
	}
}

// Authenticated reports whether revisions of this session are persisted.
func (c Context) Authenticated() bool {
	return c.UserID != ""
}
