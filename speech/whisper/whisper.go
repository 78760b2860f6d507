// Package whisper transcribes audio with the OpenAI transcription API.
package whisper

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jmsegret/vampire-chat/core"
	"github.com/jmsegret/vampire-chat/speech"
)

// Transcriber sends audio to the transcriptions endpoint.
type Transcriber struct {
	client   *openai.Client
	model    string
	language string
}

var _ speech.Transcriber = (*Transcriber)(nil)

// New creates a transcriber. model defaults to whisper-1; baseURL may be empty.
func New(apiKey, baseURL, model string) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = openai.Whisper1
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Transcriber{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: "en",
	}, nil
}

// Transcribe returns the recognized text. Empty results count as failures.
func (t *Transcriber) Transcribe(ctx context.Context, audio speech.Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("%w: no audio", core.ErrTranscription)
	}

	data, format := audio.Data, audio.Format
	switch format {
	case speech.FormatPCM16:
		if audio.SampleRate <= 0 {
			return "", fmt.Errorf("%w: pcm16 audio needs a sample rate", core.ErrTranscription)
		}
		data, format = speech.WAV(audio.Data, audio.SampleRate), speech.FormatWAV
	case "":
		format = speech.FormatWAV
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "speech." + format,
		Reader:   bytes.NewReader(data),
		Language: t.language,
	})
	if err != nil {
		log.Printf("[SPEECH] Transcription request failed: %v", err)
		return "", fmt.Errorf("%w: %v", core.ErrTranscription, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: nothing recognized", core.ErrTranscription)
	}
	log.Printf("[SPEECH] Transcribed text: %s", text)
	return text, nil
}
