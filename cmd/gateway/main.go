// Command gateway is the STT Comparison Gateway's entrypoint: it loads
// config, opens storage, builds the provider registry and availability
// cache, and serves the HTTP/WS surface: load config, build connectors,
// wire routers, run.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/adapter/httpbatch"
	"github.com/sttbridge/gateway/internal/adapter/mock"
	"github.com/sttbridge/gateway/internal/adapter/wsrealtime"
	"github.com/sttbridge/gateway/internal/availability"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/httpapi"
	"github.com/sttbridge/gateway/internal/storage"
	"github.com/sttbridge/gateway/internal/voice"
	"github.com/sttbridge/gateway/pkg/commons"
)

func main() {
	log := commons.NewLogger(os.Getenv("GATEWAY_ENV") != "production")
	cfg := config.Load()

	store, err := storage.Open(cfg.SQLiteDSN, log)
	if err != nil {
		log.Errorf("gateway: storage open failed, continuing without persistence: %v", err)
		store = nil
	}

	registry := buildRegistry(cfg, log)
	avail := availability.New(cfg.ProviderHealthRefresh(), buildProber(registry))
	llm, tts := buildVoiceBackends(cfg, log)

	engine := httpapi.NewEngine(httpapi.Deps{
		Cfg: cfg, Log: log, Registry: registry, Store: store, Avail: avail, LLM: llm, TTS: tts,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WS connections are long-lived
	}

	go func() {
		log.Infof("gateway: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("gateway: serve failed: %v", err)
		}
	}()

	waitForShutdown(log, srv, store)
}

func buildRegistry(cfg *config.AppConfig, log commons.Logger) *adapter.Registry {
	adapters := map[string]adapter.Adapter{
		mock.Name: mock.New(log),
	}
	if key := cfg.ProviderAPIKeys["openai"]; key != "" {
		ws := wsrealtime.New(key, log)
		adapters[ws.Name()] = ws
		batch := httpbatch.New(key, log)
		adapters[batch.Name()] = batch
	}
	return adapter.NewRegistry(adapters)
}

func buildProber(registry *adapter.Registry) availability.Prober {
	return func(ctx context.Context, providerID string) availability.Status {
		a, ok := registry.Get(providerID)
		if !ok {
			return availability.Status{Available: false, Reason: "unknown provider"}
		}
		return availability.Status{
			Available:         true,
			SupportsStreaming: a.SupportsStreaming(),
			SupportsBatch:     a.SupportsBatch(),
		}
	}
}

func buildVoiceBackends(cfg *config.AppConfig, log commons.Logger) (voice.LLMClient, voice.TTSStreamer) {
	key := cfg.ProviderAPIKeys["openai"]
	if key == "" {
		return &voice.MockLLM{}, &voice.MockTTS{}
	}
	return voice.NewOpenAIChat(key, cfg.VoiceLLMModel, log), voice.NewOpenAITTS(key, cfg.VoiceTTSModel, cfg.VoiceTTSVoice, log)
}

func waitForShutdown(log commons.Logger, srv *http.Server, store *storage.Store) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infof("gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("gateway: shutdown error: %v", err)
	}
	if store != nil {
		_ = store.Close()
	}
}
