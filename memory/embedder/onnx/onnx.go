//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/jmsegret/vampire-chat/memory"
)

const (
	// DefaultLibraryPath is used when Config.LibraryPath is empty.
	DefaultLibraryPath = "/usr/local/lib/libonnxruntime.so"

	// DefaultDimensions is the all-MiniLM-L6-v2 hidden size.
	DefaultDimensions = 384
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		ort.SetSharedLibraryPath(libraryPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath is the onnxruntime shared library.
	LibraryPath string

	// Dimensions is the expected embedding size. Zero takes it from the model
	// when the model declares it, otherwise DefaultDimensions.
	Dimensions int

	// MaxSequenceLength truncates long messages (default DefaultMaxSequenceLength).
	MaxSequenceLength int
}

// ONNXEmbedder generates sentence embeddings (mean pooled, unit length)
// using ONNX Runtime.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	inputs     []string
	dimensions int
	mu         sync.Mutex
}

var _ memory.Embedder = (*ONNXEmbedder)(nil)

// New loads the tokenizer and the model. The model's declared output size is
// checked against cfg.Dimensions here rather than on the first Embed.
func New(cfg Config) (*ONNXEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx: TokenizerPath is required")
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = DefaultLibraryPath
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath, cfg.MaxSequenceLength)
	if err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", cfg.ModelPath, err)
	}

	inputs := make([]string, 0, len(inputInfo))
	for _, in := range inputInfo {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			inputs = append(inputs, in.Name)
		default:
			return nil, fmt.Errorf("onnx: unsupported model input %q", in.Name)
		}
	}

	output, err := pickOutput(outputInfo)
	if err != nil {
		return nil, err
	}

	dims, err := outputDimensions(output, cfg.Dimensions)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, []string{output.Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	log.Printf("[ONNX] Loaded %s (inputs %v, output %s, %d dims, max %d tokens)",
		cfg.ModelPath, inputs, output.Name, dims, tokenizer.MaxLength())

	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		inputs:     inputs,
		dimensions: dims,
	}, nil
}

// pickOutput prefers a pooled sentence embedding and falls back to the token
// states.
func pickOutput(outputs []ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	for _, want := range []string{"sentence_embedding", "last_hidden_state"} {
		for _, out := range outputs {
			if out.Name == want {
				return out, nil
			}
		}
	}
	if len(outputs) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("onnx: model has no outputs")
	}
	return outputs[0], nil
}

func outputDimensions(out ort.InputOutputInfo, want int) (int, error) {
	shape := out.Dimensions
	if len(shape) != 2 && len(shape) != 3 {
		return 0, fmt.Errorf("onnx: output %s has unsupported shape %v", out.Name, shape)
	}
	declared := int(shape[len(shape)-1])

	switch {
	case declared > 0 && want > 0 && declared != want:
		return 0, fmt.Errorf("onnx: model produces %d dimensions, configured %d", declared, want)
	case declared > 0:
		return declared, nil
	case want > 0:
		return want, nil
	default:
		return DefaultDimensions, nil
	}
}

// Embed converts text to embedding vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc, err := e.tokenizer.Encode(text)
	if err != nil {
		return nil, err
	}
	seqLen := int64(len(enc.InputIDs))

	byName := map[string][]int64{
		"input_ids":      enc.InputIDs,
		"attention_mask": enc.AttentionMask,
		"token_type_ids": enc.TokenTypeIDs,
	}
	inputs := make([]ort.Value, 0, len(e.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, name := range e.inputs {
		tensor, err := ort.NewTensor(ort.NewShape(1, seqLen), byName[name])
		if err != nil {
			return nil, fmt.Errorf("create %s tensor: %w", name, err)
		}
		inputs = append(inputs, tensor)
	}

	e.mu.Lock()
	outputs := []ort.Value{nil}
	err = e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if outputs[0] != nil {
		defer outputs[0].Destroy()
	}
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output type %T", outputs[0])
	}
	data := tensor.GetData()

	var embedding []float32
	switch shape := tensor.GetShape(); len(shape) {
	case 2:
		if len(data) != e.dimensions {
			return nil, fmt.Errorf("onnx: got %d dimensions, expected %d", len(data), e.dimensions)
		}
		embedding = append([]float32(nil), data...)
	case 3:
		if shape[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("onnx: got %d dimensions, expected %d", shape[2], e.dimensions)
		}
		embedding, err = meanPool(data, enc.AttentionMask, e.dimensions)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
	}

	return memory.Normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
