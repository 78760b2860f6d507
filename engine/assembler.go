package engine

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jmsegret/vampire-chat/core"
)

// ContextPreamble joins retrieved context onto the system message.
const ContextPreamble = "\n\nRelevant context from previous conversations:\n"

// messageOverhead approximates the per-message framing tokens of chat APIs.
const messageOverhead = 4

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

// TiktokenCounter counts tokens with the encoding of model, falling back to
// cl100k_base for models tiktoken does not know.
func TiktokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding: %w", err)
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// Assembler builds the message list sent to the model: the persona system
// message (with retrieved context appended) followed by the history.
//
// With a token budget, the oldest history messages are dropped until the
// history fits. The newest message is always kept.
type Assembler struct {
	maxHistoryTokens int
	count            TokenCounter
}

// NewAssembler creates an Assembler. A budget <= 0 or a nil counter
// disables trimming.
func NewAssembler(maxHistoryTokens int, count TokenCounter) *Assembler {
	return &Assembler{maxHistoryTokens: maxHistoryTokens, count: count}
}

// Assemble returns a new slice; conversation is not modified.
func (a *Assembler) Assemble(conversation []core.ChatMessage, context string) []core.ChatMessage {
	out := make([]core.ChatMessage, len(conversation))
	copy(out, conversation)
	if len(out) == 0 {
		return out
	}

	start := 0
	if out[0].Role == core.RoleSystem {
		if context != "" {
			out[0].Content += ContextPreamble + context
		}
		start = 1
	}

	if a.maxHistoryTokens <= 0 || a.count == nil {
		return out
	}

	history := out[start:]
	total := 0
	for _, m := range history {
		total += a.count(m.Content) + messageOverhead
	}
	dropped := 0
	for total > a.maxHistoryTokens && len(history)-dropped > 1 {
		total -= a.count(history[dropped].Content) + messageOverhead
		dropped++
	}
	if dropped == 0 {
		return out
	}

	trimmed := make([]core.ChatMessage, 0, len(out)-dropped)
	trimmed = append(trimmed, out[:start]...)
	return append(trimmed, history[dropped:]...)
}
