package framer

// Resampler converts mono audio to TargetSampleRateHz with linear
// interpolation followed by a one-pole low-pass. The filter output is kept
// between calls so consecutive blocks form one continuous signal.
// Not safe for concurrent use.
type Resampler struct {
	inRate  uint64
	outRate uint64
	ratio   float64
	state   float32
}

func NewResampler(inputRateHz uint32) *Resampler {
	return &Resampler{
		inRate:  uint64(inputRateHz),
		outRate: TargetSampleRateHz,
		ratio:   float64(inputRateHz) / float64(TargetSampleRateHz),
	}
}

// OutputLen returns floor(n / ratio), computed exactly.
func (r *Resampler) OutputLen(n int) int {
	if n <= 0 || r.inRate == 0 {
		return 0
	}
	return int(uint64(n) * r.outRate / r.inRate)
}

// Resample writes OutputLen(len(src)) samples into dst, growing it only if
// its capacity is too small, and returns the filled slice.
//
// The interpolation's upper neighbour is clamped to the last sample of src,
// so with a non-integral ratio the tail of each block leans on that sample
// instead of reading into the next block.
func (r *Resampler) Resample(dst, src []float32) []float32 {
	out := r.OutputLen(len(src))
	if out == 0 {
		return dst[:0]
	}
	if cap(dst) < out {
		dst = make([]float32, out)
	}
	dst = dst[:out]

	last := len(src) - 1
	state := r.state
	for i := range out {
		pos := float64(i) * r.ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := min(lo+1, last)
		frac := float32(pos - float64(lo))

		raw := src[lo]*(1-frac) + src[hi]*frac
		state = state*(1-FilterAlpha) + raw*FilterAlpha
		dst[i] = state
	}
	r.state = state
	return dst
}

// FilterState returns the current low-pass filter output.
func (r *Resampler) FilterState() float32 {
	return r.state
}
