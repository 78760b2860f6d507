//go:build !onnx

package main

import (
	"fmt"

	"github.com/jmsegret/vampire-chat/config"
	"github.com/jmsegret/vampire-chat/memory"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	return nil, nil, fmt.Errorf("onnx embedder not compiled in (rebuild with -tags onnx)")
}
