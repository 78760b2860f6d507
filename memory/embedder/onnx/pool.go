package onnx

import "fmt"

// meanPool averages token vectors of a [seqLen, hidden] row-major matrix
// over the positions where mask is 1.
func meanPool(hidden []float32, mask []int64, hiddenSize int) ([]float32, error) {
	if hiddenSize <= 0 || len(hidden) != len(mask)*hiddenSize {
		return nil, fmt.Errorf("onnx: %d values do not form %d tokens of size %d",
			len(hidden), len(mask), hiddenSize)
	}

	out := make([]float32, hiddenSize)
	var attended float32
	for i, m := range mask {
		if m == 0 {
			continue
		}
		attended++
		row := hidden[i*hiddenSize : (i+1)*hiddenSize]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return nil, fmt.Errorf("onnx: no attended tokens")
	}
	for j := range out {
		out[j] /= attended
	}
	return out, nil
}
