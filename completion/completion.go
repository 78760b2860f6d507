// Package completion defines the language model boundary used by the chat
// engine. Adapters live in the openai and anthropic subpackages.
package completion

import (
	"context"

	"github.com/jmsegret/vampire-chat/core"
)

// Defaults for a chat completion.
const (
	DefaultOpenAIModel    = "gpt-4-1106-preview"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 1000
)

// Completer turns an ordered message list into the assistant's reply.
// Failures are wrapped with core.ErrUpstreamCompletion.
type Completer interface {
	Complete(ctx context.Context, messages []core.ChatMessage) (string, error)
}

// Options are the sampling parameters shared by every adapter.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// WithDefaults fills zero fields, using model when Model is empty.
func (o Options) WithDefaults(model string) Options {
	if o.Model == "" {
		o.Model = model
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}
