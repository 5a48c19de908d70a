// Package message defines a single dialogue turn within a session.
package message

import "time"

// Role identifies who spoke the message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Type tags the dialogue purpose of the message.
type Type string

const (
	TypeInitial  Type = "initial"
	TypeQuestion Type = "question"
	TypeAnswer   Type = "answer"
	TypeSpec     Type = "spec"
	TypeProgress Type = "progress"
)

// Message is one turn in a session's dialogue. Messages are never mutated
// after insertion and form a total order by CreatedAt within a session.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Type      Type
	CreatedAt time.Time
}
