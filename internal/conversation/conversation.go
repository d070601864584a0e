// Package conversation owns per-user conversations and their append-only
// message logs.
package conversation

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrNotOwned indicates the conversation belongs to a different user.
	// Handlers map this to 404 so conversation ids never leak across owners.
	ErrNotOwned = errors.New("conversation not owned by user")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MaxTitleLength bounds auto-generated conversation titles.
const MaxTitleLength = 50

// Conversation is an ordered sequence of messages owned by one user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single entry in a conversation log. Messages are never
// updated after creation.
type Message struct {
	ID             int64     `json:"-"`
	ConversationID int64     `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
}

// AutoTitle derives a conversation title from the first question.
func AutoTitle(question string) string {
	runes := []rune(question)
	if len(runes) > MaxTitleLength {
		return string(runes[:MaxTitleLength])
	}
	return question
}
