// Package openai implements completion.Completer with the OpenAI chat API.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jmsegret/vampire-chat/completion"
	"github.com/jmsegret/vampire-chat/core"
)

// Completer calls the chat completions endpoint.
type Completer struct {
	client *openai.Client
	opts   completion.Options
}

var _ completion.Completer = (*Completer)(nil)

// New creates an OpenAI completer. baseURL may be empty.
func New(apiKey, baseURL string, opts completion.Options) (*Completer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Completer{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts.WithDefaults(completion.DefaultOpenAIModel),
	}, nil
}

// Complete sends messages as-is and returns the first choice.
func (c *Completer) Complete(ctx context.Context, messages []core.ChatMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: openai: %v", core.ErrUpstreamCompletion, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %v", core.ErrUpstreamCompletion, errors.New("no response from OpenAI"))
	}
	return resp.Choices[0].Message.Content, nil
}
