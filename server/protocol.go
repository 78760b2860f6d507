package server

import (
	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/speech"
)

// Client message types.
const (
	TypeNewConversation  = "new_conversation"
	TypeMessage          = "message"
	TypeAudio            = "audio"
	TypeLoadConversation = "load_conversation"
	TypeRecent           = "recent"
	TypeHistory          = "history"
)

// Server message types.
const (
	TypeReply         = "reply"
	TypeConversation  = "conversation"
	TypeConversations = "conversations"
	TypeError         = "error"
)

// ClientMessage is a frame sent by the browser or CLI client.
type ClientMessage struct {
	Type string `json:"type"`

	// Content is the typed text for TypeMessage.
	Content string `json:"content,omitempty"`

	// Audio is the recording for TypeAudio.
	Audio *speech.Audio `json:"audio,omitempty"`

	// ConversationID selects a conversation for TypeLoadConversation and,
	// optionally, TypeHistory.
	ConversationID string `json:"conversation_id,omitempty"`

	// Limit bounds TypeRecent (default 10) and TypeHistory (default all).
	Limit int `json:"limit,omitempty"`
}

// ServerMessage is a frame sent back to the client.
type ServerMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Content is the assistant reply or the error text.
	Content string `json:"content,omitempty"`

	// Transcript is the recognized speech for audio turns.
	Transcript string `json:"transcript,omitempty"`

	// Ended is set when the user typed the exit command.
	Ended bool `json:"ended,omitempty"`

	// Pairs is the history folded into [user, assistant] pairs.
	Pairs [][2]string `json:"pairs,omitempty"`

	Conversations []core.Conversation `json:"conversations,omitempty"`
}
