package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/adapter/mock"
	"github.com/sttbridge/gateway/internal/availability"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/voice"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

func newTestDeps(cfg *config.AppConfig) Deps {
	registry := adapter.NewRegistry(map[string]adapter.Adapter{mock.Name: mock.New(commons.NewNopLogger())})
	avail := availability.New(time.Minute, func(_ context.Context, providerID string) availability.Status {
		return availability.Status{Available: true, SupportsStreaming: true}
	})
	return Deps{
		Cfg:      cfg,
		Log:      commons.NewNopLogger(),
		Registry: registry,
		Store:    nil,
		Avail:    avail,
		LLM:      &voice.MockLLM{},
		TTS:      &voice.MockTTS{},
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHealthzReturnsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := newTestDeps(&config.AppConfig{})
	engine := NewEngine(d)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProvidersListsRegisteredProviders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := newTestDeps(&config.AppConfig{})
	engine := NewEngine(d)

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]availability.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, mock.Name)
}

func TestWSStreamEndpointAcceptsConnection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := newTestDeps(&config.AppConfig{MaxPcmQueueBytes: 1 << 20, OverflowGraceMs: 500})
	engine := NewEngine(d)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/ws/stream?provider="+mock.Name, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.StreamingConfig{ClientSampleRate: 16000, EnableInterim: true}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wire.SessionMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, wire.TypeSession, msg.Type)
}
