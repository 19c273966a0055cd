// Handler wires the Voice Dialogue Orchestrator to one `/ws/voice`
// WebSocket connection: it decodes ingress audio frames, demuxes
// mic/meeting sources in meeting mode, optionally
// resamples per source, feeds an STT adapter per source, and forwards the
// Orchestrator's outbound JSON/binary messages to the client. Structurally
// this mirrors internal/session.Handler's single-owned-context,
// mutex-guarded-writer shape rather than introducing a new one.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/frame"
	"github.com/sttbridge/gateway/internal/resampler"
	"github.com/sttbridge/gateway/internal/storage"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

type connState int

const (
	connAwaitingConfig connState = iota
	connActive
	connDraining
)

// sourceLeg is one demuxed audio source's STT pipeline (mic always exists;
// meeting exists only when StreamingOptionsWire.MeetingMode is set).
type sourceLeg struct {
	source     string
	adapterSess adapter.StreamingSession
	resampler  *resampler.Resampler
}

// Handler drives one `/ws/voice` connection end to end.
type Handler struct {
	log      commons.Logger
	conn     *websocket.Conn
	registry *adapter.Registry
	cfg      *config.AppConfig
	store    *storage.Store
	llm      LLMClient
	tts      TTSStreamer
	// Lang is the `lang` query parameter, forwarded into the STT
	// leg(s)' StreamingOptions.Language.
	Lang string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu         sync.Mutex
	state      connState
	sessionID  string
	clientRate int
	meeting    bool
	legs       map[string]*sourceLeg
	orch       *Orchestrator
}

// New builds a Handler for one accepted `/ws/voice` WebSocket connection.
func New(conn *websocket.Conn, registry *adapter.Registry, cfg *config.AppConfig, store *storage.Store, llm LLMClient, tts TTSStreamer, log commons.Logger, lang string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		log:      log,
		conn:     conn,
		registry: registry,
		cfg:      cfg,
		store:    store,
		llm:      llm,
		tts:      tts,
		Lang:     lang,
		ctx:      ctx,
		cancel:   cancel,
		state:    connAwaitingConfig,
		legs:     make(map[string]*sourceLeg),
	}
}

// Run blocks, driving the connection until the client closes or a fatal
// error occurs, then drains.
func (h *Handler) Run(ctx context.Context) {
	defer h.drain()
	go func() {
		select {
		case <-ctx.Done():
			h.cancel()
		case <-h.ctx.Done():
		}
	}()
	go h.runKeepalive()

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			h.handleText(data)
		case websocket.BinaryMessage:
			h.handleBinary(data)
		}
		if h.currentState() == connDraining {
			return
		}
	}
}

func (h *Handler) currentState() connState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) handleText(data []byte) {
	if h.currentState() == connAwaitingConfig {
		h.handleConfig(data)
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	switch probe.Type {
	case "command":
		var cmd wire.VoiceCommand
		if err := json.Unmarshal(data, &cmd); err == nil {
			h.orchestrator().HandleCommand(cmd)
		}
	case "pong":
		// Keepalive reply; nothing to do.
	}
}

func (h *Handler) orchestrator() *Orchestrator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.orch
}

func (h *Handler) handleConfig(data []byte) {
	var cfg wire.StreamingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		h.sendError("invalid StreamingConfig")
		h.closeConn()
		return
	}

	providerID := h.cfg.VoiceSTTProvider
	a, ok := h.registry.Get(providerID)
	if !ok {
		h.sendError(fmt.Sprintf("unknown STT provider %q", providerID))
		h.closeConn()
		return
	}

	meeting := cfg.Options != nil && cfg.Options.MeetingMode
	opts := adapter.StreamingOptions{
		Language:      h.Lang,
		SampleRateHz:  cfg.ClientSampleRate,
		EnableInterim: cfg.EnableInterim,
		Encoding:      "linear16",
		Model:         h.cfg.StreamingModel,
	}

	micLeg, err := h.startLeg(SourceMic, a, opts)
	if err != nil {
		h.sendError(err.Error())
		h.closeConn()
		return
	}
	legs := map[string]*sourceLeg{SourceMic: micLeg}
	if meeting {
		meetingLeg, err := h.startLeg(SourceMeeting, a, opts)
		if err != nil {
			h.sendError(err.Error())
			h.closeConn()
			return
		}
		legs[SourceMeeting] = meetingLeg
	}

	orchOpts := Options{
		SystemPrompt:    h.cfg.VoiceSystemPrompt,
		HistoryMaxTurns: h.cfg.VoiceHistoryMaxTurns,
	}
	if meeting {
		mo := h.cfg.Meeting
		orchOpts.Meeting = MeetingOptions{
			Enabled: true, WakeWords: mo.WakeWords, RequireWakeWord: mo.RequireWakeWord,
			OpenWindowMs: mo.OpenWindowMs, CooldownMs: mo.CooldownMs,
			EchoSuppressMs: mo.EchoSuppressMs, EchoSimilarity: mo.EchoSimilarity,
			IntroEnabled: mo.IntroEnabled,
		}
		if wo := cfg.Options; wo != nil {
			if len(wo.WakeWords) > 0 {
				orchOpts.Meeting.WakeWords = wo.WakeWords
			}
			orchOpts.Meeting.RequireWakeWord = wo.MeetingRequireWakeWord
			if wo.MeetingOpenWindowMs > 0 {
				orchOpts.Meeting.OpenWindowMs = wo.MeetingOpenWindowMs
			}
			if wo.MeetingCooldownMs > 0 {
				orchOpts.Meeting.CooldownMs = wo.MeetingCooldownMs
			}
			if wo.EchoSuppressMs > 0 {
				orchOpts.Meeting.EchoSuppressMs = wo.EchoSuppressMs
			}
			if wo.EchoSimilarity > 0 {
				orchOpts.Meeting.EchoSimilarity = wo.EchoSimilarity
			}
			orchOpts.Meeting.OutputEnabled = wo.MeetingOutputEnabled
		}
	}

	orch := NewOrchestrator(orchOpts, h.llm, h.tts, h.log, h.emit, h.emitAudio)

	h.mu.Lock()
	h.sessionID = uuid.NewString()
	h.clientRate = cfg.ClientSampleRate
	h.meeting = meeting
	h.legs = legs
	h.orch = orch
	h.state = connActive
	h.mu.Unlock()

	for source, leg := range legs {
		src := source
		leg.adapterSess.OnData(func(p wire.PartialTranscript) { orch.HandleTranscript(src, p) })
		leg.adapterSess.OnError(func(err error) { h.onAdapterError(src, err) })
	}

	h.emit(wire.VoiceSessionMessage{
		Type: wire.TypeVoiceSession, SessionID: h.sessionID,
		StartedAt: time.Now().UnixMilli(), MeetingMode: meeting,
	})
	orch.Start()
}

func (h *Handler) startLeg(source string, a adapter.Adapter, opts adapter.StreamingOptions) (*sourceLeg, error) {
	clientRate := opts.SampleRateHz
	if rm, ok := a.(adapter.RateMandating); ok {
		opts.SampleRateHz = rm.MandatedSampleRate()
	}
	sess, err := a.StartStreaming(h.ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("voice: start %s leg: %w", source, err)
	}
	leg := &sourceLeg{source: source, adapterSess: sess}
	if clientRate != opts.SampleRateHz {
		rs, rerr := resampler.New(h.cfg.ResamplerPath, clientRate, opts.SampleRateHz, h.log)
		if rerr != nil {
			_ = sess.Controller().Close(h.ctx)
			return nil, fmt.Errorf("voice: start %s leg: %w", source, rerr)
		}
		leg.resampler = rs
	}
	return leg, nil
}

func (h *Handler) handleBinary(data []byte) {
	if h.currentState() != connActive {
		return
	}
	f, err := frame.Decode(data)
	if err != nil {
		h.log.Warnf("voice %s: dropping invalid frame: %v", h.sessionID, err)
		return
	}

	source := SourceMic
	if h.meetingEnabled() && !frame.IsMicSource(f.Seq) {
		source = SourceMeeting
	}

	h.mu.Lock()
	leg, ok := h.legs[source]
	h.mu.Unlock()
	if !ok {
		return
	}

	payload := f.Payload
	if leg.resampler != nil {
		chunk, rerr := leg.resampler.Write(h.ctx, resampler.Chunk{Seq: f.Seq, CaptureTs: f.CaptureTs, DurationMs: f.DurationMs, Payload: f.Payload})
		if rerr != nil {
			h.onAdapterError(source, fmt.Errorf("resampler: %w", rerr))
			return
		}
		payload = chunk.Payload
	}
	if len(payload) == 0 {
		return
	}
	if err := leg.adapterSess.Controller().SendAudio(h.ctx, adapter.AudioChunk{
		Payload: payload, CaptureTs: f.CaptureTs, DurationMs: f.DurationMs, Seq: f.Seq,
	}); err != nil {
		h.onAdapterError(source, err)
	}
}

func (h *Handler) meetingEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meeting
}

func (h *Handler) onAdapterError(source string, err error) {
	h.log.Errorw("voice adapter error", "sessionId", h.sessionID, "source", source, "error", err.Error())
	h.sendError(err.Error())
	h.beginDrain()
}

func (h *Handler) beginDrain() {
	h.mu.Lock()
	if h.state == connDraining {
		h.mu.Unlock()
		return
	}
	h.state = connDraining
	h.mu.Unlock()
	h.closeConn()
}

func (h *Handler) drain() {
	h.mu.Lock()
	h.state = connDraining
	legs := h.legs
	orch := h.orch
	h.mu.Unlock()

	if orch != nil {
		orch.Close()
	}
	for _, leg := range legs {
		if leg.resampler != nil {
			_ = leg.resampler.Close()
		}
		if leg.adapterSess != nil {
			_ = leg.adapterSess.Controller().End(h.ctx)
			_ = leg.adapterSess.Controller().Close(h.ctx)
		}
	}
	h.log.Infof("voice session_end: sessionId=%s meeting=%v", h.sessionID, h.meeting)
	h.cancel()
}

// emit sends one JSON voice_* message; write failures are swallowed per the
// gateway's outbound-send contract.
func (h *Handler) emit(v interface{}) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteJSON(v); err != nil {
		h.log.Debugf("voice %s: outbound send failed: %v", h.sessionID, err)
	}
}

// emitAudio sends one raw-PCM binary frame. TTS output carries no frame
// header; the 16-byte header exists on the ingress direction only.
func (h *Handler) emitAudio(pcm []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		h.log.Debugf("voice %s: outbound audio send failed: %v", h.sessionID, err)
	}
}

// runKeepalive sends a WS-layer ping every cfg.Keepalive() and tracks missed
// pongs; after cfg.MaxMissedPongs consecutive unanswered pings it treats the
// connection as fatal, mirroring internal/session.Handler's
// keepalive loop.
func (h *Handler) runKeepalive() {
	interval := h.cfg.Keepalive()
	if interval <= 0 {
		return
	}
	maxMissed := h.cfg.MaxMissedPongs
	if maxMissed <= 0 {
		maxMissed = 2
	}

	var missed int32
	h.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&missed, 0)
		return nil
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if int(atomic.LoadInt32(&missed)) >= maxMissed {
				h.log.Warnf("voice %s: keepalive timeout after %d missed pongs", h.sessionID, maxMissed)
				h.onAdapterError("", fmt.Errorf("keepalive timeout: no pong after %d pings", maxMissed))
				return
			}
			atomic.AddInt32(&missed, 1)
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
			// Voice sessions also probe in the control channel; the client
			// answers with a {type:"pong"} JSON message.
			h.emit(wire.PingMessage{Type: wire.TypePing})
		}
	}
}

func (h *Handler) sendError(message string) {
	h.emit(wire.ErrorMessage{Type: wire.TypeError, Message: message})
}

func (h *Handler) closeConn() {
	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.writeMu.Unlock()
	_ = h.conn.Close()
}
