package httpbatch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/pkg/commons"
)

func TestWrapWAVHeaderLayout(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	wav := wrapWAV(pcm, 16000)
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, pcm, wav[44:])
}

func TestTranscribeFileFromPCMMissingCredentials(t *testing.T) {
	a := New("", commons.NewNopLogger())
	_, err := a.TranscribeFileFromPCM(context.Background(), bytes.NewReader([]byte{0, 0}), adapter.StreamingOptions{SampleRateHz: 16000})
	assert.ErrorIs(t, err, adapter.ErrMissingCredentials)
}

func TestTranscribeFileFromPCMSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello world","words":[{"word":"hello","start":0,"end":0.3}]}`))
	}))
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.client.SetBaseURL(srv.URL)

	res, err := a.TranscribeFileFromPCM(context.Background(), bytes.NewReader([]byte{1, 2, 3, 4}), adapter.StreamingOptions{SampleRateHz: 16000, BatchModel: "gpt-4o-transcribe"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
	require.Len(t, res.Words, 1)
	assert.Equal(t, "hello", res.Words[0].Text)
}

func TestTranscribeFileFromPCMFallsBackOnPrimaryFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		model := r.FormValue("model")
		if model == "primary-model" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"fallback worked"}`))
	}))
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.client.SetBaseURL(srv.URL)

	res, err := a.TranscribeFileFromPCM(context.Background(), bytes.NewReader([]byte{1, 2}), adapter.StreamingOptions{
		SampleRateHz:  16000,
		BatchModel:    "primary-model",
		FallbackModel: "fallback-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback worked", res.Text)
	assert.Equal(t, 2, attempts)
}

func TestInputCollectorIdleTimerAborts(t *testing.T) {
	aborted := make(chan error, 1)
	c := &InputCollector{clock: time.Now, onAbort: func(err error) { aborted <- err }}
	c.hardTimer = time.AfterFunc(time.Hour, func() {})
	c.idleTimer = time.AfterFunc(20*time.Millisecond, func() { c.abort(assert.AnError) })

	select {
	case err := <-aborted:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}
