package resampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/pkg/commons"
)

func TestNewRejectsDownsample(t *testing.T) {
	_, err := New("sox", 48000, 16000, commons.NewNopLogger())
	assert.ErrorIs(t, err, ErrDownsampleUnsupported)
}

func TestPassthroughWhenRatesMatch(t *testing.T) {
	r, err := New("sox", 16000, 16000, commons.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, r.Passthrough())

	in := Chunk{Seq: 1, CaptureTs: 1000, DurationMs: 250, Payload: []byte{0x01, 0x02, 0x03, 0x04}}
	out, err := r.Write(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, r.started) // no process spawned on passthrough
}

func TestCloseBeforeStartIsNoop(t *testing.T) {
	r, err := New("sox", 16000, 48000, commons.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}
