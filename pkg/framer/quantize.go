package framer

import "math"

const pcmFullScale = 32767

// QuantizeSample clamps s to [-1, 1] and maps it to int16 with
// round(s * 32767). NaN maps to 0. No dither is applied.
func QuantizeSample(s float32) int16 {
	x := float64(s)
	switch {
	case math.IsNaN(x):
		return 0
	case x > 1:
		x = 1
	case x < -1:
		x = -1
	}
	return int16(math.Round(x * pcmFullScale))
}

// Quantize converts src into dst, which must be at least len(src) long.
func Quantize(dst []int16, src []float32) []int16 {
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = QuantizeSample(s)
	}
	return dst
}
