package onnx

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// DefaultMaxSequenceLength matches the sentence-transformers setting for
// all-MiniLM-L6-v2.
const DefaultMaxSequenceLength = 256

// Encoding is one tokenized text in the layout BERT-style models expect.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// Tokenizer wraps a HuggingFace tokenizer.json. Normalization, pre-tokenization,
// WordPiece and the [CLS]/[SEP] template all come from the file.
type Tokenizer struct {
	tk     *tokenizer.Tokenizer
	maxLen int
}

// LoadTokenizer reads tokenizer.json and truncates encodings to maxLen tokens
// (special tokens included).
func LoadTokenizer(path string, maxLen int) (*Tokenizer, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxSequenceLength
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: maxLen,
		Strategy:  tokenizer.LongestFirst,
	})
	return &Tokenizer{tk: tk, maxLen: maxLen}, nil
}

// MaxLength returns the truncation length.
func (t *Tokenizer) MaxLength() int {
	return t.maxLen
}

// Encode tokenizes text with special tokens added.
func (t *Tokenizer) Encode(text string) (Encoding, error) {
	en, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return Encoding{}, fmt.Errorf("tokenize: %w", err)
	}

	n := len(en.Ids)
	out := Encoding{
		InputIDs:      make([]int64, n),
		AttentionMask: make([]int64, n),
		TokenTypeIDs:  make([]int64, n),
	}
	for i := 0; i < n; i++ {
		out.InputIDs[i] = int64(en.Ids[i])
		out.AttentionMask[i] = 1
		if i < len(en.AttentionMask) {
			out.AttentionMask[i] = int64(en.AttentionMask[i])
		}
		if i < len(en.TypeIds) {
			out.TokenTypeIDs[i] = int64(en.TypeIds[i])
		}
	}
	return out, nil
}
