package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jmsegret/vampire-chat/completion"
	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/memory"
	"github.com/jmsegret/vampire-chat/speech"
)

// Fixed replies.
const (
	// ExitCommand ends the conversation when typed on its own (any case).
	ExitCommand = "exit"

	// EndedReply answers ExitCommand.
	EndedReply = "Conversation ended."

	// AudioFailureReply answers audio that could not be transcribed.
	AudioFailureReply = "I couldn't understand the audio clearly. Could you please try speaking more clearly or use the text input instead?"
)

// ErrEmptyMessage is returned for input with no text and no audio.
var ErrEmptyMessage = errors.New("empty message")

// Engine runs one chat turn: record the user message, retrieve related
// memories, assemble the prompt, call the model and record the reply.
type Engine struct {
	memory          *memory.Coordinator
	completer       completion.Completer
	transcriber     speech.Transcriber // Optional: audio input
	assembler       *Assembler
	contextMessages int
}

// Option configures the engine.
type Option func(*Engine)

// WithTranscriber enables audio input.
func WithTranscriber(t speech.Transcriber) Option {
	return func(e *Engine) {
		e.transcriber = t
	}
}

// WithAssembler replaces the default prompt assembler.
func WithAssembler(a *Assembler) Option {
	return func(e *Engine) {
		e.assembler = a
	}
}

// WithContextMessages sets how many related messages are retrieved per turn.
func WithContextMessages(n int) Option {
	return func(e *Engine) {
		e.contextMessages = n
	}
}

// NewEngine creates a new engine.
func NewEngine(mem *memory.Coordinator, completer completion.Completer, opts ...Option) *Engine {
	e := &Engine{
		memory:          mem,
		completer:       completer,
		assembler:       NewAssembler(0, nil),
		contextMessages: memory.DefaultSearchResults,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Memory returns the engine's memory coordinator.
func (e *Engine) Memory() *memory.Coordinator {
	return e.memory
}

// Input represents one user turn.
type Input struct {
	// Session is the client's conversation handle.
	Session *memory.Session

	// UserMessage is the typed message. Ignored when Audio is set.
	UserMessage string

	// Audio is an optional spoken message.
	Audio *speech.Audio
}

// Output represents the result of a turn.
type Output struct {
	// Type indicates the kind of output.
	Type OutputType

	// Text is the reply shown to the user.
	Text string

	// Transcript is the recognized text when the input was audio.
	Transcript string

	// ConversationID is the conversation the turn was recorded in.
	ConversationID string

	// Error is set when Type is OutputError.
	Error error
}

// OutputType indicates the kind of output from a turn.
type OutputType int

const (
	// OutputComplete indicates the assistant replied and both messages were recorded.
	OutputComplete OutputType = iota

	// OutputEnded indicates the user typed the exit command. Nothing was recorded.
	OutputEnded

	// OutputError indicates a soft failure; Text holds a reply for the user.
	OutputError
)

// Run executes one chat turn.
func (e *Engine) Run(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.Session == nil {
		return nil, fmt.Errorf("run: %w", core.ErrNoConversation)
	}
	sess := input.Session

	// === PHASE 0: TRANSCRIBE ===
	message := input.UserMessage
	var transcript string
	if input.Audio != nil {
		text, err := e.transcribe(ctx, *input.Audio)
		if err != nil {
			log.Printf("[ENGINE] Transcription failed: %v", err)
			return &Output{
				Type:           OutputError,
				Text:           AudioFailureReply,
				ConversationID: sess.ConversationID(),
				Error:          err,
			}, nil
		}
		message, transcript = text, text
	}

	if strings.ToLower(strings.TrimSpace(message)) == ExitCommand {
		return &Output{Type: OutputEnded, Text: EndedReply, ConversationID: sess.ConversationID()}, nil
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	// === PHASE 1: RECORD USER MESSAGE ===
	if _, err := e.memory.AddMessage(ctx, sess, core.RoleUser, message); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	// === PHASE 2: RETRIEVE RELATED MESSAGES ===
	related, err := e.memory.RelevantContext(ctx, message, e.contextMessages)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	// === PHASE 3: ASSEMBLE PROMPT ===
	conversation, err := e.memory.FormatConversation(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("format conversation: %w", err)
	}
	messages := e.assembler.Assemble(conversation, related)

	// === PHASE 4: COMPLETE ===
	reply, err := e.completer.Complete(ctx, messages)
	if err != nil {
		return &Output{
			Type:           OutputError,
			ConversationID: sess.ConversationID(),
			Error:          err,
		}, err
	}

	// === PHASE 5: RECORD REPLY ===
	if _, err := e.memory.AddMessage(ctx, sess, core.RoleAssistant, reply); err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}

	log.Printf("[ENGINE] Turn complete in conversation %s (%d prompt messages)", sess.ConversationID(), len(messages))
	return &Output{
		Type:           OutputComplete,
		Text:           reply,
		Transcript:     transcript,
		ConversationID: sess.ConversationID(),
	}, nil
}

func (e *Engine) transcribe(ctx context.Context, audio speech.Audio) (string, error) {
	if e.transcriber == nil {
		return "", fmt.Errorf("%w: audio input is not configured", core.ErrTranscription)
	}
	text, err := e.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if !errors.Is(err, core.ErrTranscription) {
			err = fmt.Errorf("%w: %v", core.ErrTranscription, err)
		}
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: nothing recognized", core.ErrTranscription)
	}
	return text, nil
}
