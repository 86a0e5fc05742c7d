// Package framer turns host audio blocks into fixed-size 16 kHz mono PCM
// frames.
//
// A [Processor] is driven by an external scheduler that calls
// [Processor.Process] once per audio callback. Each call collapses the block
// to mono, resamples it to [TargetSampleRateHz], accumulates the result and
// emits a [models.Frame] to a [FrameSink] every time the accumulation buffer
// fills. Process never blocks, never takes a lock and only allocates the PCM
// slice of each emitted frame, whose ownership passes to the sink.
package framer

import (
	"fmt"
	"sync/atomic"
	"time"

	"audio-framer/pkg/models"
)

// FrameSink receives emitted frames. Offer must not block; it reports whether
// the frame was accepted. The processor never retries a refused frame.
type FrameSink interface {
	Offer(frame models.Frame) bool
}

// ChannelSink is a FrameSink backed by a buffered channel. Offer drops the
// frame when the channel is full.
type ChannelSink chan models.Frame

func (s ChannelSink) Offer(frame models.Frame) bool {
	select {
	case s <- frame:
		return true
	default:
		return false
	}
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(models.Frame) bool

func (f SinkFunc) Offer(frame models.Frame) bool { return f(frame) }

// Clock returns a monotonic timestamp in milliseconds.
type Clock func() float64

// MonotonicClock returns a Clock counting milliseconds since its creation,
// read from the runtime's monotonic clock.
func MonotonicClock() Clock {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Nanoseconds()) / 1e6
	}
}

// Stats is a point-in-time view of a processor's counters. It can be read from
// any goroutine.
type Stats struct {
	BlocksProcessed  uint64
	FramesEmitted    uint64
	FramesDropped    uint64
	SamplesDiscarded uint64
	NextSequence     uint64
	FrameDurationMs  uint32
	FrameSizeSamples int
}

// frameResize is a reconfiguration prepared off the callback path.
type frameResize struct {
	durationMs uint32
	buf        []float32
}

type Option func(*Processor)

// WithClock overrides the emission timestamp source.
func WithClock(c Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithBlockSize pre-sizes the scratch buffers for blocks of n samples per
// channel so the first callbacks do not allocate.
func WithBlockSize(n int) Option {
	return func(p *Processor) {
		if n <= 0 {
			return
		}
		p.mono = make([]float32, 0, n)
		p.resampled = make([]float32, 0, p.resampler.OutputLen(n)+1)
	}
}

// Processor is the per-session frame pipeline. Process must only be called
// from one goroutine; Reconfigure and Stats may be called from any goroutine.
type Processor struct {
	cfg       Config
	resampler *Resampler
	sink      FrameSink
	clock     Clock

	buf        []float32
	writeIndex int
	sequence   uint64

	mono      []float32
	resampled []float32

	pending atomic.Pointer[frameResize]

	blocks    atomic.Uint64
	emitted   atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	next      atomic.Uint64
	frameMs   atomic.Uint32
}

func NewProcessor(cfg Config, sink FrameSink, opts ...Option) (*Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil frame sink", ErrInvalidConfig)
	}

	p := &Processor{
		cfg:       cfg,
		resampler: NewResampler(cfg.InputSampleRateHz),
		sink:      sink,
		clock:     MonotonicClock(),
		buf:       make([]float32, cfg.FrameSizeSamples()),
	}
	p.frameMs.Store(cfg.FrameDurationMs)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process consumes one host block and returns the number of frames the sink
// accepted. Empty blocks are ignored. A pending reconfiguration is applied
// before the block is read.
func (p *Processor) Process(block models.Block) int {
	p.applyResize()

	if block.Len() == 0 {
		return 0
	}

	mono := Collapse(p.mono, block)
	if len(block) > 1 {
		p.mono = mono
	}
	out := p.resampler.Resample(p.resampled, mono)
	p.resampled = out

	accepted := 0
	for len(out) > 0 {
		n := copy(p.buf[p.writeIndex:], out)
		p.writeIndex += n
		out = out[n:]
		if p.writeIndex == len(p.buf) {
			if p.emit() {
				accepted++
			}
		}
	}
	p.blocks.Add(1)
	return accepted
}

func (p *Processor) emit() bool {
	pcm := Quantize(make([]int16, len(p.buf)), p.buf)
	frame := models.Frame{
		Sequence:    p.sequence,
		TimestampMs: p.clock(),
		PCM:         pcm,
	}
	p.sequence++
	p.next.Store(p.sequence)
	p.writeIndex = 0

	if p.sink.Offer(frame) {
		p.emitted.Add(1)
		return true
	}
	p.dropped.Add(1)
	return false
}

// Reconfigure changes the frame duration. The new buffer is allocated here and
// handed to the callback, which adopts it at the start of its next Process
// call and discards whatever partial frame it had accumulated. Filter state
// and sequence numbering carry over. If several requests arrive between two
// callbacks, the last one wins.
func (p *Processor) Reconfigure(frameDurationMs int) error {
	if err := validateFrameDuration(int64(frameDurationMs)); err != nil {
		return err
	}
	ms := uint32(frameDurationMs)
	p.pending.Store(&frameResize{
		durationMs: ms,
		buf:        make([]float32, FrameSize(ms)),
	})
	return nil
}

func (p *Processor) applyResize() {
	r := p.pending.Swap(nil)
	if r == nil {
		return
	}
	p.discarded.Add(uint64(p.writeIndex))
	p.buf = r.buf
	p.writeIndex = 0
	p.cfg.FrameDurationMs = r.durationMs
	p.frameMs.Store(r.durationMs)
}

// Config returns the processor's input rate and current frame duration.
func (p *Processor) Config() Config {
	return Config{
		InputSampleRateHz: p.cfg.InputSampleRateHz,
		FrameDurationMs:   p.frameMs.Load(),
	}
}

func (p *Processor) Stats() Stats {
	ms := p.frameMs.Load()
	return Stats{
		BlocksProcessed:  p.blocks.Load(),
		FramesEmitted:    p.emitted.Load(),
		FramesDropped:    p.dropped.Load(),
		SamplesDiscarded: p.discarded.Load(),
		NextSequence:     p.next.Load(),
		FrameDurationMs:  ms,
		FrameSizeSamples: FrameSize(ms),
	}
}
