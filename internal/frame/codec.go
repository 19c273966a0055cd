// Package frame implements the gateway's wire framing for binary WS audio
// messages: a fixed 16-byte little-endian header carrying
// a sequence number, capture timestamp, and chunk duration in front of the
// raw PCM payload.
package frame

import (
	"encoding/binary"
	"errors"
	"math"
)

// HeaderSize is the fixed length, in bytes, of the frame header.
const HeaderSize = 16

// ErrInvalidFrame is returned when a buffer is too short to contain a
// header, or its payload length is not a multiple of 2 (not whole PCM16
// little-endian samples).
var ErrInvalidFrame = errors.New("frame: invalid frame")

// Frame is a single decoded ingress audio frame.
//
// Header layout (16 bytes, little-endian):
//
//	offset 0:  uint32  seq         monotonic per-source frame counter
//	offset 4:  float64 captureTs   wall-clock ms since epoch at capture
//	offset 12: float32 durationMs length of this chunk in milliseconds
//
// The codec is used only on the ingress direction; TTS playback on the
// voice-mode return path streams raw PCM binary frames with no header.
type Frame struct {
	Seq        uint32
	CaptureTs  float64
	DurationMs float32
	Payload    []byte
}

// Encode serializes a Frame into a single buffer: header followed by payload.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], f.Seq)
	binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(f.CaptureTs))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(f.DurationMs))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a binary WS message into a Frame. It fails with
// ErrInvalidFrame if the buffer is shorter than HeaderSize or the payload
// length is not a multiple of 2 (a fractional PCM16 sample).
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrInvalidFrame
	}
	payload := buf[HeaderSize:]
	if len(payload)%2 != 0 {
		return Frame{}, ErrInvalidFrame
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Frame{
		Seq:        binary.LittleEndian.Uint32(buf[0:4]),
		CaptureTs:  math.Float64frombits(binary.LittleEndian.Uint64(buf[4:12])),
		DurationMs: math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16])),
		Payload:    out,
	}, nil
}

// IsMicSource reports whether a frame sequence number belongs to the mic
// source in meeting mode (even seq = mic, odd seq = meeting/room source).
func IsMicSource(seq uint32) bool {
	return seq%2 == 0
}
