// Package config loads runtime settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Ledger drivers.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Vector index backends.
const (
	IndexFlat    = "flat"
	IndexChromem = "chromem"
)

// Embedders.
const (
	EmbedderMock   = "mock"
	EmbedderONNX   = "onnx"
	EmbedderOllama = "ollama"
	EmbedderOpenAI = "openai"
)

// Completion providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds every setting the CLI needs to wire the application.
type Config struct {
	DataDir string

	LedgerDriver string
	LedgerPath   string
	LedgerDSN    string

	IndexBackend      string
	IndexPath         string
	IndexMetadataPath string

	Embedder          string
	EmbedModel        string
	EmbedDimensions   int
	EmbedCacheEntries int64
	ONNXModelPath     string
	ONNXTokenizerPath string
	ONNXLibraryPath   string
	ONNXMaxSequence   int
	OllamaHost        string

	CompletionProvider    string
	CompletionModel       string
	CompletionTemperature float32
	CompletionMaxTokens   int

	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	AnthropicBaseURL string

	TranscriptionModel string

	AutoCreate       bool
	ContextMessages  int
	MaxHistoryTokens int
	Persona          string

	Port     string
	GRPCAddr string
}

// DefaultConfig returns the settings used when no variable is set. File
// locations are relative to DataDir and resolved by Load.
func DefaultConfig() *Config {
	return &Config{
		DataDir:               "data",
		LedgerDriver:          LedgerSQLite,
		IndexBackend:          IndexFlat,
		Embedder:              EmbedderMock,
		EmbedCacheEntries:     1024,
		CompletionProvider:    ProviderOpenAI,
		CompletionTemperature: 0.7,
		CompletionMaxTokens:   1000,
		AutoCreate:            true,
		ContextMessages:       5,
		Port:                  "8080",
	}
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	str(&cfg.DataDir, "VAMPIRE_DATA_DIR")
	str(&cfg.LedgerDriver, "LEDGER_DRIVER")
	str(&cfg.LedgerPath, "LEDGER_PATH")
	str(&cfg.LedgerDSN, "LEDGER_DSN")
	str(&cfg.IndexBackend, "INDEX_BACKEND")
	str(&cfg.IndexPath, "INDEX_PATH")
	str(&cfg.IndexMetadataPath, "INDEX_METADATA_PATH")
	str(&cfg.Embedder, "EMBEDDER")
	str(&cfg.EmbedModel, "EMBED_MODEL")
	str(&cfg.ONNXModelPath, "ONNX_MODEL_PATH")
	str(&cfg.ONNXTokenizerPath, "ONNX_TOKENIZER_PATH")
	str(&cfg.ONNXLibraryPath, "ONNX_LIBRARY_PATH")
	str(&cfg.OllamaHost, "OLLAMA_HOST")
	str(&cfg.CompletionProvider, "COMPLETION_PROVIDER")
	str(&cfg.CompletionModel, "COMPLETION_MODEL")
	str(&cfg.OpenAIKey, "OPENAI_API_KEY")
	str(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	str(&cfg.AnthropicKey, "ANTHROPIC_API_KEY")
	str(&cfg.AnthropicBaseURL, "ANTHROPIC_BASE_URL")
	str(&cfg.TranscriptionModel, "TRANSCRIPTION_MODEL")
	str(&cfg.Persona, "PERSONA")
	str(&cfg.Port, "PORT")
	str(&cfg.GRPCAddr, "GRPC_ADDR")

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	collect(integer(&cfg.EmbedDimensions, "EMBED_DIMENSIONS"))
	collect(integer(&cfg.ONNXMaxSequence, "ONNX_MAX_SEQUENCE_LENGTH"))
	collect(integer(&cfg.ContextMessages, "CONTEXT_MAX_MESSAGES"))
	collect(integer(&cfg.MaxHistoryTokens, "MAX_HISTORY_TOKENS"))
	collect(integer(&cfg.CompletionMaxTokens, "COMPLETION_MAX_TOKENS"))
	collect(int64Var(&cfg.EmbedCacheEntries, "EMBED_CACHE_ENTRIES"))
	collect(float32Var(&cfg.CompletionTemperature, "COMPLETION_TEMPERATURE"))
	collect(boolean(&cfg.AutoCreate, "AUTO_CREATE_CONVERSATION"))
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "chat_history.db")
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.DataDir, "vector_index")
	}
	if c.IndexMetadataPath == "" {
		c.IndexMetadataPath = filepath.Join(c.DataDir, "vector_messages.json")
	}
}

// Validate checks enum values and the settings each choice depends on.
// API keys are not checked here; commands that never call out (recent,
// history) must work without them.
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case LedgerSQLite:
		if c.LedgerPath == "" {
			return fmt.Errorf("LEDGER_PATH is required for the sqlite ledger")
		}
	case LedgerPostgres:
		if c.LedgerDSN == "" {
			return fmt.Errorf("LEDGER_DSN is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q (want %s or %s)", c.LedgerDriver, LedgerSQLite, LedgerPostgres)
	}

	switch c.IndexBackend {
	case IndexFlat, IndexChromem:
	default:
		return fmt.Errorf("unknown INDEX_BACKEND %q (want %s or %s)", c.IndexBackend, IndexFlat, IndexChromem)
	}

	switch c.Embedder {
	case EmbedderMock, EmbedderOllama, EmbedderOpenAI:
	case EmbedderONNX:
		if c.ONNXModelPath == "" || c.ONNXTokenizerPath == "" {
			return fmt.Errorf("ONNX_MODEL_PATH and ONNX_TOKENIZER_PATH are required for the onnx embedder")
		}
	default:
		return fmt.Errorf("unknown EMBEDDER %q", c.Embedder)
	}

	switch c.CompletionProvider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown COMPLETION_PROVIDER %q (want %s or %s)", c.CompletionProvider, ProviderOpenAI, ProviderAnthropic)
	}

	if c.CompletionTemperature < 0 || c.CompletionTemperature > 2 {
		return fmt.Errorf("COMPLETION_TEMPERATURE must be between 0 and 2, got %v", c.CompletionTemperature)
	}
	if c.CompletionMaxTokens <= 0 {
		return fmt.Errorf("COMPLETION_MAX_TOKENS must be positive, got %d", c.CompletionMaxTokens)
	}
	if c.ContextMessages < 0 || c.MaxHistoryTokens < 0 || c.EmbedDimensions < 0 || c.ONNXMaxSequence < 0 {
		return fmt.Errorf("CONTEXT_MAX_MESSAGES, MAX_HISTORY_TOKENS, EMBED_DIMENSIONS and ONNX_MAX_SEQUENCE_LENGTH must not be negative")
	}
	return nil
}

// Warnings lists settings that are valid but probably not what a deployment
// wants.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Embedder == EmbedderMock {
		warnings = append(warnings, fmt.Sprintf(
			"EMBEDDER=%s hashes words instead of meaning; set EMBEDDER to %s, %s or %s for real semantic recall",
			EmbedderMock, EmbedderONNX, EmbedderOllama, EmbedderOpenAI))
	}
	if c.CompletionKey() == "" {
		warnings = append(warnings, fmt.Sprintf("no API key set for COMPLETION_PROVIDER=%s", c.CompletionProvider))
	}
	return warnings
}

// CompletionKey returns the API key for the configured provider.
func (c *Config) CompletionKey() string {
	if c.CompletionProvider == ProviderAnthropic {
		return c.AnthropicKey
	}
	return c.OpenAIKey
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func integer(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func int64Var(dst *int64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func float32Var(dst *float32, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = float32(f)
	return nil
}

func boolean(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
