// Package codec holds the binary encodings used at the service boundary:
// archived and streamed frames, planar float32 audio blocks from capture
// clients, and WAV export.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"audio-framer/pkg/models"
)

// frameHeaderSize is sequence (8) + timestamp (8) + sample count (4).
const frameHeaderSize = 20

var (
	ErrMalformedFrame = errors.New("codec: malformed frame")
	ErrMalformedBlock = errors.New("codec: malformed audio block")
)

// EncodeFrame serialises a frame as little-endian sequence, timestamp bits,
// sample count and int16 samples.
func EncodeFrame(f models.Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.PCM)*2)
	binary.LittleEndian.PutUint64(buf[0:], f.Sequence)
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(f.TimestampMs))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(f.PCM)))
	for i, s := range f.PCM {
		binary.LittleEndian.PutUint16(buf[frameHeaderSize+i*2:], uint16(s))
	}
	return buf
}

func DecodeFrame(b []byte) (models.Frame, error) {
	if len(b) < frameHeaderSize {
		return models.Frame{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(b))
	}
	n := int(binary.LittleEndian.Uint32(b[16:]))
	if len(b) != frameHeaderSize+n*2 {
		return models.Frame{}, fmt.Errorf("%w: header declares %d samples, payload has %d bytes",
			ErrMalformedFrame, n, len(b)-frameHeaderSize)
	}
	f := models.Frame{
		Sequence:    binary.LittleEndian.Uint64(b[0:]),
		TimestampMs: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		PCM:         make([]int16, n),
	}
	for i := range f.PCM {
		f.PCM[i] = int16(binary.LittleEndian.Uint16(b[frameHeaderSize+i*2:]))
	}
	return f, nil
}

// DecodePlanarFloat32 splits a channel-major float32 little-endian payload
// into one slice per channel. The payload must hold the same number of
// samples for every channel.
func DecodePlanarFloat32(b []byte, channels int) (models.Block, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedBlock, channels)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 samples", ErrMalformedBlock, len(b))
	}
	total := len(b) / 4
	if total%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not split into %d channels", ErrMalformedBlock, total, channels)
	}
	perChannel := total / channels
	block := make(models.Block, channels)
	for c := range block {
		ch := make([]float32, perChannel)
		base := c * perChannel * 4
		for i := range ch {
			ch[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[base+i*4:]))
		}
		block[c] = ch
	}
	return block, nil
}

// EncodePlanarFloat32 is the inverse of DecodePlanarFloat32.
func EncodePlanarFloat32(block models.Block) []byte {
	n := block.Len()
	buf := make([]byte, len(block)*n*4)
	for c, ch := range block {
		base := c * n * 4
		for i := range n {
			binary.LittleEndian.PutUint32(buf[base+i*4:], math.Float32bits(ch[i]))
		}
	}
	return buf
}
