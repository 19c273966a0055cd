package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/adapter/mock"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func writeReplayFixture(t *testing.T, dir, sessionID string) {
	t.Helper()
	pcm := make([]byte, 0, 6*320)
	frames := make([]timelineFrame, 0, 6)
	for i := 0; i < 6; i++ {
		chunk := make([]byte, 320)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		pcm = append(pcm, chunk...)
		frames = append(frames, timelineFrame{
			Seq: uint32(i), OffsetMs: float64(i) * 10, DurationMs: 10, Bytes: len(chunk),
		})
	}
	tl := timeline{SampleRate: 16000, Frames: frames}
	tlBytes, err := json.Marshal(tl)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".json"), tlBytes, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".pcm"), pcm, 0o600))
}

func TestReplayHandlerPlaysBackTimelineAndEmitsTranscripts(t *testing.T) {
	dir := t.TempDir()
	writeReplayFixture(t, dir, "sess-1")

	cfg := &config.AppConfig{ReplayDir: dir}
	registry := adapter.NewRegistry(map[string]adapter.Adapter{mock.Name: mock.New(commons.NewNopLogger())})
	log := commons.NewNopLogger()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h := New(conn, registry, cfg, nil, log, []string{mock.Name}, "sess-1", "")
		h.Run(r.Context())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.StreamingConfig{ClientSampleRate: 16000, EnableInterim: true}))

	var gotSession, gotTranscript bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !(gotSession && gotTranscript) {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) != nil {
			continue
		}
		switch probe.Type {
		case wire.TypeSession:
			gotSession = true
		case wire.TypeTranscript:
			gotTranscript = true
		}
	}

	require.True(t, gotSession, "expected a session message")
	require.True(t, gotTranscript, "expected at least one transcript from replayed audio")
}

// batchOnlyAdapter is a minimal batch-only adapter.Adapter for exercising
// the replay handler's one-shot batch path.
type batchOnlyAdapter struct{}

func (batchOnlyAdapter) Name() string            { return "batch-only" }
func (batchOnlyAdapter) SupportsStreaming() bool { return false }
func (batchOnlyAdapter) SupportsBatch() bool     { return true }

func (batchOnlyAdapter) StartStreaming(ctx context.Context, opts adapter.StreamingOptions) (adapter.StreamingSession, error) {
	return nil, fmt.Errorf("batch-only: streaming not supported")
}

func (batchOnlyAdapter) TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts adapter.StreamingOptions) (adapter.BatchResult, error) {
	if _, err := io.Copy(io.Discard, pcm); err != nil {
		return adapter.BatchResult{}, err
	}
	return adapter.BatchResult{Text: "batch result"}, nil
}

func TestReplayHandlerRunsBatchOnlyProvider(t *testing.T) {
	dir := t.TempDir()
	writeReplayFixture(t, dir, "sess-2")

	cfg := &config.AppConfig{ReplayDir: dir}
	registry := adapter.NewRegistry(map[string]adapter.Adapter{"batch-only": batchOnlyAdapter{}})
	log := commons.NewNopLogger()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h := New(conn, registry, cfg, nil, log, []string{"batch-only"}, "sess-2", "")
		h.Run(r.Context())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.StreamingConfig{ClientSampleRate: 16000}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg wire.TranscriptMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != wire.TypeTranscript {
			continue
		}
		require.Equal(t, "batch result", msg.Text)
		require.Equal(t, wire.ChannelFile, msg.Channel)
		require.True(t, msg.IsFinal)
		return
	}
	t.Fatal("never saw the batch transcript")
}

func TestReplayHandlerRequiresSessionID(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.AppConfig{ReplayDir: dir}
	registry := adapter.NewRegistry(map[string]adapter.Adapter{mock.Name: mock.New(commons.NewNopLogger())})
	log := commons.NewNopLogger()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h := New(conn, registry, cfg, nil, log, []string{mock.Name}, "", "")
		h.Run(r.Context())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wire.ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, wire.TypeError, msg.Type)
}
