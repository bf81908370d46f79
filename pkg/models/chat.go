package models

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// ChatMessage is one entry of a session transcript.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is a catalog entry. The transcript itself lives server-side.
// JSON keys match what earlier client versions persisted.
type ChatSession struct {
	ID          string     `json:"id"`
	LastMessage string     `json:"lastMessage,omitempty"`
	LastDate    *time.Time `json:"lastDate,omitempty"`
}
