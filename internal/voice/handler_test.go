package voice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	registry := adapter.NewRegistry(map[string]adapter.Adapter{mock.Name: mock.New(commons.NewNopLogger())})
	cfg := &config.AppConfig{VoiceSTTProvider: mock.Name, VoiceHistoryMaxTurns: 12}
	log := commons.NewNopLogger()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h := New(conn, registry, cfg, nil, &MockLLM{}, &MockTTS{}, log, "")
		h.Run(r.Context())
	}))
}

func readUntilType(t *testing.T, conn *websocket.Conn, want string, timeout time.Duration) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed before seeing %q: %v", want, err)
		}
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) != nil {
			continue
		}
		if probe.Type == want {
			return data
		}
	}
	t.Fatalf("never saw message type %q within %s", want, timeout)
	return nil
}

func TestVoiceHandlerEmitsVoiceSession(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.StreamingConfig{ClientSampleRate: 16000, EnableInterim: true}))
	data := readUntilType(t, conn, wire.TypeVoiceSession, 2*time.Second)

	var msg wire.VoiceSessionMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotEmpty(t, msg.SessionID)
	require.False(t, msg.MeetingMode)
}

func TestVoiceHandlerDrivesTurnFromAudio(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.StreamingConfig{ClientSampleRate: 16000, EnableInterim: true}))
	readUntilType(t, conn, wire.TypeVoiceSession, 2*time.Second)

	frame := make([]byte, 16+320)
	// mock.Adapter emits a final transcript on every third chunk.
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}

	readUntilType(t, conn, wire.TypeVoiceUserTranscript, 2*time.Second)
	readUntilType(t, conn, wire.TypeVoiceState, 2*time.Second)
}
