package framer

import (
	"errors"
	"fmt"
)

const (
	// TargetSampleRateHz is the fixed output rate of every processor.
	TargetSampleRateHz = 16000

	// DefaultFrameDurationMs is used when a config leaves FrameDurationMs at 0.
	DefaultFrameDurationMs = 50

	// MaxFrameDurationMs bounds the accumulation buffer to ten seconds of audio.
	MaxFrameDurationMs = 10000

	// MinInputSampleRateHz and MaxInputSampleRateHz bound the host rate. The
	// lower bound keeps the upsampled scratch buffer within twice the block.
	MinInputSampleRateHz = 8000
	MaxInputSampleRateHz = 384000

	// FilterAlpha is the coefficient of the one-pole anti-aliasing low-pass.
	FilterAlpha float32 = 0.1
)

var (
	ErrInvalidConfig        = errors.New("framer: invalid config")
	ErrInvalidFrameDuration = errors.New("framer: frame duration out of range")
	ErrInvalidSampleRate    = errors.New("framer: input sample rate out of range")
)

// Config is the immutable part of a processor's setup. InputSampleRateHz is
// dictated by the host; FrameDurationMs is only the starting value and may
// change later through Processor.Reconfigure.
type Config struct {
	InputSampleRateHz uint32
	FrameDurationMs   uint32
}

// DownsampleRatio is input rate over target rate. It need not be integral.
func (c Config) DownsampleRatio() float64 {
	return float64(c.InputSampleRateHz) / float64(TargetSampleRateHz)
}

// FrameSizeSamples is floor(target * frameDurationMs / 1000).
func (c Config) FrameSizeSamples() int {
	return FrameSize(c.FrameDurationMs)
}

func (c Config) Validate() error {
	if err := ValidateSampleRate(int64(c.InputSampleRateHz)); err != nil {
		return err
	}
	if err := validateFrameDuration(int64(c.FrameDurationMs)); err != nil {
		return err
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.FrameDurationMs == 0 {
		c.FrameDurationMs = DefaultFrameDurationMs
	}
	return c
}

// FrameSize returns the number of target-rate samples in a frame of the
// given duration.
func FrameSize(durationMs uint32) int {
	return int(uint64(TargetSampleRateHz) * uint64(durationMs) / 1000)
}

// ValidateSampleRate reports whether hz lies in
// [MinInputSampleRateHz, MaxInputSampleRateHz]. The error wraps both
// ErrInvalidConfig and ErrInvalidSampleRate.
func ValidateSampleRate(hz int64) error {
	if hz < MinInputSampleRateHz || hz > MaxInputSampleRateHz {
		return fmt.Errorf("%w: %w: %d Hz not in [%d, %d]",
			ErrInvalidConfig, ErrInvalidSampleRate, hz, MinInputSampleRateHz, MaxInputSampleRateHz)
	}
	return nil
}

func validateFrameDuration(ms int64) error {
	if ms <= 0 || ms > MaxFrameDurationMs {
		return fmt.Errorf("%w: %d ms", ErrInvalidFrameDuration, ms)
	}
	return nil
}
