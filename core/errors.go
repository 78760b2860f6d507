package core

import "errors"

// Error taxonomy. Storage adapters wrap these with fmt.Errorf("...: %w") so
// callers can match with errors.Is.
var (
	// ErrDuplicateKey is returned when a conversation id already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrForeignKey is returned when a message references an unknown conversation.
	ErrForeignKey = errors.New("foreign key violation")

	// ErrNotFound is returned when a conversation lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrIndexCorrupt is returned when the persisted vector index or its
	// metadata cannot be read, disagree in length, or have the wrong dimension.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrNoConversation is returned by AddMessage when the session has no
	// conversation and automatic creation is disabled.
	ErrNoConversation = errors.New("no active conversation")

	// ErrTranscription is returned when speech input is unintelligible or the
	// transcription service is unreachable.
	ErrTranscription = errors.New("transcription failed")

	// ErrUpstreamCompletion is returned when the language model call fails.
	ErrUpstreamCompletion = errors.New("upstream completion failed")
)
