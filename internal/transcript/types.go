package transcript

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one line of the tutoring conversation log. Messages are
// append-only and display-only; nothing reads them back into the voice loop.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and lists conversation messages per tutoring session.
type Store interface {
	Append(ctx context.Context, msg Message) error
	List(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}
