package models

import (
	"time"

	"github.com/google/uuid"
)

// Block is one callback's worth of host audio: one float32 slice per channel,
// all nominally the same length.
type Block [][]float32

// Len returns the usable per-channel length of the block, which is the length
// of its shortest channel. A nil or channel-less block has length 0.
func (b Block) Len() int {
	if len(b) == 0 {
		return 0
	}
	n := len(b[0])
	for _, ch := range b[1:] {
		if len(ch) < n {
			n = len(ch)
		}
	}
	return n
}

// Frame is a fixed-length run of 16-bit PCM emitted by a frame processor.
// Frames are never mutated after emission.
type Frame struct {
	Sequence    uint64  `json:"sequence"`
	TimestampMs float64 `json:"timestamp"`
	PCM         []int16 `json:"pcm"`
}

// ConfigUpdate requests a new frame duration for a running session.
type ConfigUpdate struct {
	FrameDurationMs int `json:"frame_duration_ms"`
}

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusClosed SessionStatus = "closed"
)

// SessionParams describes the host audio format of a new capture session.
type SessionParams struct {
	InputSampleRateHz int `json:"input_sample_rate_hz"`
	Channels          int `json:"channels"`
	FrameDurationMs   int `json:"frame_duration_ms,omitempty"`
	// BlockSize is the expected samples per channel per block. It only
	// pre-sizes buffers; other block sizes are still accepted.
	BlockSize int `json:"block_size,omitempty"`
}

// SessionInfo is the registry record for a capture session.
type SessionInfo struct {
	ID                 string        `json:"id"`
	InputSampleRateHz  int           `json:"input_sample_rate_hz"`
	TargetSampleRateHz int           `json:"target_sample_rate_hz"`
	Channels           int           `json:"channels"`
	FrameDurationMs    int           `json:"frame_duration_ms"`
	FrameSizeSamples   int           `json:"frame_size_samples"`
	DownsampleRatio    float64       `json:"downsample_ratio"`
	BlockSize          int           `json:"block_size"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	ClosedAt           time.Time     `json:"closed_at,omitempty"`
}

// SessionStats are live counters for a session.
type SessionStats struct {
	BlocksProcessed  uint64 `json:"blocks_processed"`
	BlocksRejected   uint64 `json:"blocks_rejected"`
	FramesEmitted    uint64 `json:"frames_emitted"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FramesArchived   uint64 `json:"frames_archived"`
	SamplesDiscarded uint64 `json:"samples_discarded"`
	NextSequence     uint64 `json:"next_sequence"`
}

// PipelineMessage carries one emitted frame through the archive stage.
type PipelineMessage struct {
	SessionID string
	Frame     Frame
	Error     error
	Stage     string
}

func NewSessionInfo(params SessionParams) *SessionInfo {
	return &SessionInfo{
		ID:                uuid.New().String(),
		InputSampleRateHz: params.InputSampleRateHz,
		Channels:          params.Channels,
		FrameDurationMs:   params.FrameDurationMs,
		BlockSize:         params.BlockSize,
		Status:            StatusActive,
		CreatedAt:         time.Now(),
	}
}
