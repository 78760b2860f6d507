//go:build onnx

package main

import (
	"github.com/jmsegret/vampire-chat/config"
	"github.com/jmsegret/vampire-chat/memory"
	"github.com/jmsegret/vampire-chat/memory/embedder/onnx"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:         cfg.ONNXModelPath,
		TokenizerPath:     cfg.ONNXTokenizerPath,
		LibraryPath:       cfg.ONNXLibraryPath,
		Dimensions:        cfg.EmbedDimensions,
		MaxSequenceLength: cfg.ONNXMaxSequence,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, func() { e.Close() }, nil
}
