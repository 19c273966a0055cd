package wsrealtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

// newFakeProvider runs a minimal stand-in for the realtime WS endpoint: it
// immediately emits session.created + session.updated so StartStreaming's
// ready gate opens, then replays whatever scripted events the test feeds it.
func newFakeProvider(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "session.created"}))
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "session.updated"}))
		if script != nil {
			script(conn)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newCommitCountingProvider is like newFakeProvider but tallies every
// input_audio_buffer.commit message it receives, for asserting exactly how
// many commits a session issued.
func newCommitCountingProvider(t *testing.T) (*httptest.Server, *int32) {
	var commits int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "session.created"}))
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "session.updated"}))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &env) == nil && env.Type == "input_audio_buffer.commit" {
				atomic.AddInt32(&commits, 1)
			}
		}
	}))
	return srv, &commits
}

// TestLateCommitRaceDoesNotSkipEndCommit: a committed ack that arrives after fresh audio has already
// been buffered for the next turn must not clear hasBufferedAudio for that
// fresh audio, or End()'s force-commit would wrongly no-op.
func TestLateCommitRaceDoesNotSkipEndCommit(t *testing.T) {
	srv, commits := newCommitCountingProvider(t)
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	require.NoError(t, err)
	concrete := sess.(*session)

	// Simulate a commit (manual timer or otherwise) firing with 1000
	// buffered bytes.
	concrete.mu.Lock()
	concrete.hasBufferedAudio = true
	concrete.bufferedBytes = 1000
	concrete.mu.Unlock()
	require.NoError(t, concrete.commit(true))
	require.Eventually(t, func() bool { return atomic.LoadInt32(commits) == 1 }, time.Second, 10*time.Millisecond)

	// Fresh audio for the next turn arrives before the ack for the first
	// commit has been processed.
	require.NoError(t, sess.Controller().SendAudio(context.Background(), adapter.AudioChunk{Payload: make([]byte, 500)}))

	// The late ack for the first commit arrives now.
	concrete.handleCommitted()

	concrete.mu.Lock()
	stillBuffered := concrete.hasBufferedAudio
	remaining := concrete.bufferedBytes
	concrete.mu.Unlock()
	assert.True(t, stillBuffered, "fresh audio buffered after the first commit must survive its late ack")
	assert.Equal(t, 500, remaining)

	require.NoError(t, sess.Controller().End(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(commits) == 2 }, time.Second, 10*time.Millisecond)
	_ = sess.Controller().Close(context.Background())
}

// TestEndCommitIsIdempotent: calling
// controller.end() twice results in exactly one commit of any non-empty
// buffer.
func TestEndCommitIsIdempotent(t *testing.T) {
	srv, commits := newCommitCountingProvider(t)
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	require.NoError(t, err)

	require.NoError(t, sess.Controller().SendAudio(context.Background(), adapter.AudioChunk{Payload: make([]byte, 10000)}))
	require.NoError(t, sess.Controller().End(context.Background()))
	require.NoError(t, sess.Controller().End(context.Background()))

	require.Eventually(t, func() bool { return atomic.LoadInt32(commits) == 1 }, time.Second, 10*time.Millisecond)
	_ = sess.Controller().Close(context.Background())
}

func TestStartStreamingRejectsMissingCredentials(t *testing.T) {
	a := New("", commons.NewNopLogger())
	_, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	assert.ErrorIs(t, err, adapter.ErrMissingCredentials)
}

func TestStartStreamingRejectsWrongSampleRate(t *testing.T) {
	a := New("key", commons.NewNopLogger())
	_, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: 16000})
	assert.ErrorIs(t, err, adapter.ErrInvalidSampleRate)
}

func TestStartStreamingReachesReadyGate(t *testing.T) {
	srv := newFakeProvider(t, nil)
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	require.NoError(t, err)
	require.NotNil(t, sess)
	_ = sess.Controller().Close(context.Background())
}

func TestDeltaAccumulationEmitsCumulativeText(t *testing.T) {
	srv := newFakeProvider(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond) // let the test register OnData first
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.created", "item": map[string]string{"id": "item1"}})
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.delta", "item_id": "item1", "delta": "hel"})
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.delta", "item_id": "item1", "delta": "lo"})
	})
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate, EnableInterim: true})
	require.NoError(t, err)

	var got []wire.PartialTranscript
	done := make(chan struct{})
	sess.OnData(func(p wire.PartialTranscript) {
		got = append(got, p)
		if len(got) == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deltas")
	}

	assert.Equal(t, "hel", got[0].Text)
	assert.Equal(t, "hello", got[1].Text)
	_ = sess.Controller().Close(context.Background())
}

func TestOrderedFinalizationWaitsForHead(t *testing.T) {
	srv := newFakeProvider(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond) // let the test register OnData first
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.created", "item": map[string]string{"id": "item1"}})
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.created", "item": map[string]string{"id": "item2"}, "previous_item_id": "item1"})
		// item2 completes first; should not emit until item1 completes too.
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item2", "transcript": "world"})
		time.Sleep(50 * time.Millisecond)
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item1", "transcript": "hello"})
	})
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	require.NoError(t, err)

	var got []wire.PartialTranscript
	done := make(chan struct{})
	sess.OnData(func(p wire.PartialTranscript) {
		got = append(got, p)
		if len(got) == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ordered finals")
	}

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "world", got[1].Text)
	_ = sess.Controller().Close(context.Background())
}

func TestItemFailedDropsPendingState(t *testing.T) {
	srv := newFakeProvider(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.created", "item": map[string]string{"id": "item1"}})
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.delta", "item_id": "item1", "delta": "partial"})
		_ = conn.WriteJSON(map[string]interface{}{"type": "conversation.item.input_audio_transcription.failed", "item_id": "item1"})
	})
	defer srv.Close()

	a := New("key", commons.NewNopLogger())
	a.endpoint = wsURL(srv.URL)

	sess, err := a.StartStreaming(context.Background(), adapter.StreamingOptions{SampleRateHz: mandatedRate})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	concrete := sess.(*session)
	concrete.itemMu.Lock()
	_, stillPending := concrete.pending["item1"]
	concrete.itemMu.Unlock()
	assert.False(t, stillPending)
	_ = sess.Controller().Close(context.Background())
}
