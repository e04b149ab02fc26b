package conversation

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn stores a single user or assistant utterance. Turns are immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable append-only log of turns.
type Store interface {
	// EnsureSchema creates tables if missing. Safe to call on every session open.
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, turn Turn) error
	// QueryRecent returns up to limit turns for the session, newest first.
	QueryRecent(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error)
	Close() error
}

// Chronological reverses a newest-first slice into a new oldest-first slice.
func Chronological(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}
