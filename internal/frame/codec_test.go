package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Seq:        42,
		CaptureTs:  1753900000123.5,
		DurationMs: 250,
		Payload:    []byte{0x01, 0x02, 0x03, 0x04},
	}
	buf := Encode(f)
	assert.Len(t, buf, HeaderSize+4)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, f.Seq, got.Seq)
	assert.Equal(t, f.CaptureTs, got.CaptureTs)
	assert.Equal(t, f.DurationMs, got.DurationMs)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeOddPayload(t *testing.T) {
	buf := Encode(Frame{Payload: []byte{0x01, 0x02, 0x03}})
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeEmptyPayload(t *testing.T) {
	buf := Encode(Frame{Seq: 7})
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Seq)
	assert.Empty(t, got.Payload)
}

func TestIsMicSource(t *testing.T) {
	assert.True(t, IsMicSource(0))
	assert.True(t, IsMicSource(2))
	assert.False(t, IsMicSource(1))
	assert.False(t, IsMicSource(3))
}
