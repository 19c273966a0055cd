package mock

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

func TestAdapterCapabilities(t *testing.T) {
	a := New(commons.NewNopLogger())
	assert.Equal(t, "mock", a.Name())
	assert.True(t, a.SupportsStreaming())
	assert.True(t, a.SupportsBatch())
}

func TestStreamingEmitsFinalEveryThirdChunk(t *testing.T) {
	a := New(commons.NewNopLogger())
	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{})
	require.NoError(t, err)

	var got []wire.PartialTranscript
	sess.OnData(func(p wire.PartialTranscript) { got = append(got, p) })

	ctrl := sess.Controller()
	for i := 0; i < 3; i++ {
		require.NoError(t, ctrl.SendAudio(context.Background(), adapter.AudioChunk{Payload: []byte{0, 0}}))
	}

	require.Len(t, got, 4) // 3 interims + 1 final
	assert.False(t, got[0].IsFinal)
	assert.True(t, got[3].IsFinal)
	assert.Equal(t, "final segment 1", got[3].Text)
}

func TestEndForcesFinalWhenPending(t *testing.T) {
	a := New(commons.NewNopLogger())
	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{})
	require.NoError(t, err)

	var got []wire.PartialTranscript
	sess.OnData(func(p wire.PartialTranscript) { got = append(got, p) })
	ctrl := sess.Controller()
	require.NoError(t, ctrl.SendAudio(context.Background(), adapter.AudioChunk{}))
	require.NoError(t, ctrl.End(context.Background()))

	require.Len(t, got, 2)
	assert.True(t, got[1].IsFinal)
}

func TestCloseIsIdempotentAndInvokesOnClose(t *testing.T) {
	a := New(commons.NewNopLogger())
	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{})
	require.NoError(t, err)

	calls := 0
	sess.OnClose(func() { calls++ })
	require.NoError(t, sess.Controller().Close(context.Background()))
	require.NoError(t, sess.Controller().Close(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestTranscribeFileFromPCM(t *testing.T) {
	a := New(commons.NewNopLogger())
	res, err := a.TranscribeFileFromPCM(context.Background(), bytes.NewReader([]byte{0, 0}), adapter.StreamingOptions{})
	require.NoError(t, err)
	assert.Equal(t, "mock transcript", res.Text)
	assert.Len(t, res.Words, 2)
}
