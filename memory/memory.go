// Package memory keeps the conversation history of collaborator calls,
// keyed by the caller's resumption key.
package memory

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Store persists conversations. Implementations are safe for concurrent use.
type Store interface {
	// Append adds messages to the conversation identified by key.
	Append(ctx context.Context, key string, msgs ...Message) error
	// History returns the conversation oldest first. An unknown key yields
	// an empty history.
	History(ctx context.Context, key string) ([]Message, error)
	// Forget drops the conversation.
	Forget(ctx context.Context, key string) error
}
