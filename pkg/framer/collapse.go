package framer

import "audio-framer/pkg/models"

// Collapse mixes block down to a single channel by averaging every sample
// index across channels. A mono block is returned as-is without copying.
// For multi-channel input dst is reused when it has enough capacity.
func Collapse(dst []float32, block models.Block) []float32 {
	n := block.Len()
	if n == 0 {
		return dst[:0]
	}
	if len(block) == 1 {
		return block[0][:n]
	}

	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	channels := float32(len(block))
	for i := range n {
		var sum float32
		for _, ch := range block {
			sum += ch[i]
		}
		dst[i] = sum / channels
	}
	return dst
}
