// Package anthropic implements completion.Completer with the Claude Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jmsegret/vampire-chat/completion"
	"github.com/jmsegret/vampire-chat/core"
)

// Completer calls Claude. System messages are lifted into the request's
// system prompt, the rest keep their order.
type Completer struct {
	client anthropic.Client
	opts   completion.Options
}

var _ completion.Completer = (*Completer)(nil)

// New creates a Claude completer. baseURL may be empty.
func New(apiKey, baseURL string, opts completion.Options) (*Completer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &Completer{
		client: anthropic.NewClient(reqOpts...),
		opts:   opts.WithDefaults(completion.DefaultAnthropicModel),
	}, nil
}

// Complete returns the concatenated text blocks of the reply.
func (c *Completer) Complete(ctx context.Context, messages []core.ChatMessage) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.opts.Model),
		MaxTokens:   int64(c.opts.MaxTokens),
		Temperature: anthropic.Float(float64(c.opts.Temperature)),
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, m.Content)
		case core.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: claude API error: %v", core.ErrUpstreamCompletion, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
