// Package core holds the domain types shared by the memory subsystem, the chat
// engine and the transports: conversations, messages, roles and the error
// taxonomy.
package core

import (
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ParseRole converts a raw string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Conversation is one logical chat session.
// LastUpdated is the only field that changes after creation.
type Conversation struct {
	ID          string    `json:"conversation_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Message is an immutable entry in a conversation.
// Timestamp is assigned by the ledger at write time, never by the caller.
type Message struct {
	ID             string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatMessage is the role/content pair sent to a completion API.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
