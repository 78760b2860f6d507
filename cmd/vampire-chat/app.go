package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jmsegret/vampire-chat/completion"
	"github.com/jmsegret/vampire-chat/completion/anthropic"
	"github.com/jmsegret/vampire-chat/completion/openai"
	"github.com/jmsegret/vampire-chat/config"
	"github.com/jmsegret/vampire-chat/engine"
	"github.com/jmsegret/vampire-chat/memory"
	"github.com/jmsegret/vampire-chat/memory/embedder/mock"
	"github.com/jmsegret/vampire-chat/memory/embedder/ollama"
	openaiembed "github.com/jmsegret/vampire-chat/memory/embedder/openai"
	"github.com/jmsegret/vampire-chat/memory/ledger/postgres"
	"github.com/jmsegret/vampire-chat/memory/ledger/sqlite"
	"github.com/jmsegret/vampire-chat/memory/vector/chromem"
	"github.com/jmsegret/vampire-chat/memory/vector/flat"
	"github.com/jmsegret/vampire-chat/speech"
	"github.com/jmsegret/vampire-chat/speech/whisper"
)

// app holds everything a command may need. Fields are built lazily by
// openMemory and openEngine; close releases whatever was opened.
type app struct {
	cfg *config.Config

	ledger memory.Ledger
	index  *memory.EmbeddingIndex
	memory *memory.Coordinator
	engine *engine.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.ledger, a.index, a.memory, a.engine = nil, nil, nil, nil
}

// openMemory wires the Ledger, the embedder, the vector backend and the
// Coordinator.
func (a *app) openMemory(ctx context.Context) error {
	if a.memory != nil {
		return nil
	}

	ledger, err := newLedger(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = ledger
	a.closers = append(a.closers, func() { ledger.Close() })

	embedder, closeEmbedder, err := newEmbedder(a.cfg)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	if closeEmbedder != nil {
		a.closers = append(a.closers, closeEmbedder)
	}

	vectors, err := newVectorIndex(a.cfg, embedder.Dimensions())
	if err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}

	index, err := memory.OpenIndex(embedder, vectors, memory.IndexConfig{
		IndexPath:    a.cfg.IndexPath,
		MetadataPath: a.cfg.IndexMetadataPath,
		CacheEntries: a.cfg.EmbedCacheEntries,
	})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	a.index = index
	a.closers = append(a.closers, func() { index.Close() })

	mc := *memory.DefaultConfig
	mc.AutoCreate = a.cfg.AutoCreate
	if a.cfg.Persona != "" {
		mc.Persona = a.cfg.Persona
	}
	if a.cfg.ContextMessages > 0 {
		mc.ContextMessages = a.cfg.ContextMessages
	}
	a.memory = memory.NewCoordinator(ledger, index, &mc)
	return nil
}

// openEngine wires the completion provider, the optional transcriber and the
// prompt assembler on top of openMemory. The index is reconciled with the
// Ledger first so a crash between the two writes does not linger.
func (a *app) openEngine(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if err := a.openMemory(ctx); err != nil {
		return err
	}
	if rebuilt, err := a.memory.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile index: %w", err)
	} else if rebuilt {
		log.Println("✅ Index rebuilt from the conversation ledger")
	}

	completer, model, err := newCompleter(a.cfg)
	if err != nil {
		return fmt.Errorf("create completer: %w", err)
	}

	opts := []engine.Option{engine.WithContextMessages(a.cfg.ContextMessages)}

	if a.cfg.MaxHistoryTokens > 0 {
		counter, err := engine.TiktokenCounter(model)
		if err != nil {
			return fmt.Errorf("load tokenizer: %w", err)
		}
		opts = append(opts, engine.WithAssembler(engine.NewAssembler(a.cfg.MaxHistoryTokens, counter)))
	}

	if transcriber, err := newTranscriber(a.cfg); err != nil {
		log.Printf("⚠️  Audio input disabled: %v", err)
	} else {
		opts = append(opts, engine.WithTranscriber(transcriber))
	}

	a.engine = engine.NewEngine(a.memory, completer, opts...)
	return nil
}

func newLedger(ctx context.Context, cfg *config.Config) (memory.Ledger, error) {
	switch cfg.LedgerDriver {
	case config.LedgerPostgres:
		return postgres.New(ctx, cfg.LedgerDSN)
	default:
		return sqlite.New(cfg.LedgerPath)
	}
}

func newEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	switch cfg.Embedder {
	case config.EmbedderONNX:
		return newONNXEmbedder(cfg)
	case config.EmbedderOllama:
		e, err := ollama.New(ollama.Config{
			Host:       cfg.OllamaHost,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDimensions,
		})
		return e, nil, err
	case config.EmbedderOpenAI:
		e, err := openaiembed.New(openaiembed.Config{
			APIKey:     cfg.OpenAIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDimensions,
		})
		return e, nil, err
	default:
		var opts []mock.Option
		if cfg.EmbedDimensions > 0 {
			opts = append(opts, mock.WithDimensions(cfg.EmbedDimensions))
		}
		return mock.New(opts...), nil, nil
	}
}

func newVectorIndex(cfg *config.Config, dims int) (memory.VectorIndex, error) {
	if cfg.IndexBackend == config.IndexChromem {
		return chromem.New(dims)
	}
	return flat.New(dims), nil
}

// newCompleter returns the configured provider and the model it will use.
func newCompleter(cfg *config.Config) (completion.Completer, string, error) {
	opts := completion.Options{
		Model:       cfg.CompletionModel,
		Temperature: cfg.CompletionTemperature,
		MaxTokens:   cfg.CompletionMaxTokens,
	}

	if cfg.CompletionProvider == config.ProviderAnthropic {
		opts = opts.WithDefaults(completion.DefaultAnthropicModel)
		c, err := anthropic.New(cfg.AnthropicKey, cfg.AnthropicBaseURL, opts)
		return c, opts.Model, err
	}
	opts = opts.WithDefaults(completion.DefaultOpenAIModel)
	c, err := openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL, opts)
	return c, opts.Model, err
}

func newTranscriber(cfg *config.Config) (speech.Transcriber, error) {
	return whisper.New(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.TranscriptionModel)
}
