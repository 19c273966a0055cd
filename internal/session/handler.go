// Package session implements the Realtime Session Handler (the Replay
// Session Handler lives in internal/replay): the per-connection state
// machine that wires Frame Codec -> Resampler -> Provider Adapter ->
// Attributor -> Normalizer and emits transcript/normalized messages back to
// the client. The handler owns its own context (independent of the caller's,
// so cleanup always runs), queues inbound audio in a byte-bounded backlog
// whose overflow past the grace window ends the session, and tears down
// idempotently.
//
// One Handler drives one WS connection against one or more providers at
// once (single-provider streaming and multi-provider compare streaming use
// the same state machine; only the provider list differs), which is why
// `/ws/stream` and `/ws/stream/compare` share this handler.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/attributor"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/frame"
	"github.com/sttbridge/gateway/internal/normalizer"
	"github.com/sttbridge/gateway/internal/resampler"
	"github.com/sttbridge/gateway/internal/storage"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
	"github.com/sttbridge/gateway/pkg/utils"
)

// State is the Realtime Session Handler's lifecycle state.
type State int

const (
	AwaitingConfig State = iota
	Streaming
	Draining
)

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// providerLeg holds everything scoped to a single provider within a session
// that is otherwise shared (connection, normalizer, dedup of the outbound
// stream as a whole is still per-provider via lastSignature).
type providerLeg struct {
	adapterSess   adapter.StreamingSession
	resampler     *resampler.Resampler
	attrib        *attributor.Attributor
	lastSignature string

	finalCount   int
	interimCount int
	latencySum   float64
	latencies    []float64
	latencyMin   float64
	haveMin      bool
	latencyMax   float64
}

// Handler drives one client WebSocket connection through its full lifecycle
// against one or more provider adapters.
type Handler struct {
	log      commons.Logger
	conn     *websocket.Conn
	registry *adapter.Registry
	cfg      *config.AppConfig
	store    *storage.Store
	clock    Clock

	// Providers preselects which provider ids this handler fans audio out
	// to; when empty, the StreamingConfig message is answered with an error
	// and the connection is closed (single-provider streaming is len==1).
	Providers []string
	// Lang is the `lang` query parameter, forwarded into every
	// provider leg's StreamingOptions.Language.
	Lang string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// legsReady closes once the config handshake has produced the provider
	// legs; the dispatch goroutine holds queued audio until then.
	legsReady      chan struct{}
	frameAvailable chan struct{}

	mu            sync.Mutex
	state         State
	configStarted bool
	sessionID     string
	clientRate    int
	degraded      bool
	segmentID     string
	norm          *normalizer.Normalizer
	legs          map[string]*providerLeg
	startedAt     time.Time

	// backlog is the byte-bounded audio queue between the WS read loop and
	// the per-leg dispatcher; queuedBytes tracks its payload size against
	// cfg.MaxPcmQueueBytes.
	backlog       []frame.Frame
	queuedBytes   int
	overflowTimer *time.Timer
}

// New builds a Handler for one accepted WebSocket connection. providers is
// the fixed provider id list for this connection (length 1 for
// `/ws/stream`, length N for `/ws/stream/compare`).
func New(conn *websocket.Conn, registry *adapter.Registry, cfg *config.AppConfig, store *storage.Store, log commons.Logger, providers []string, lang string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		log:            log,
		conn:           conn,
		registry:       registry,
		cfg:            cfg,
		store:          store,
		clock:          time.Now,
		Providers:      providers,
		Lang:           lang,
		ctx:            ctx,
		cancel:         cancel,
		state:          AwaitingConfig,
		legs:           make(map[string]*providerLeg),
		legsReady:      make(chan struct{}),
		frameAvailable: make(chan struct{}, 1),
	}
}

// Run blocks, driving the connection's read loop until the client closes,
// an adapter error is fatal, or ctx is cancelled, then drains. The read
// loop only decodes and enqueues; a separate dispatch goroutine drains the
// backlog to the provider legs, so the socket keeps being read (and the
// backlog keeps being measured) while StartStreaming is still connecting.
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
	go h.runDispatch()

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
		if h.currentState() == Draining {
			return
		}
	}
}

func (h *Handler) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) handleText(data []byte) {
	switch h.currentState() {
	case AwaitingConfig:
		// The handshake runs off the read loop: StartStreaming can spend
		// seconds on a provider's ready gate, and the socket must keep
		// being read so early audio lands in the bounded backlog instead
		// of the kernel buffer.
		h.mu.Lock()
		started := h.configStarted
		h.configStarted = true
		h.mu.Unlock()
		if started {
			return
		}
		go h.handleConfig(data)
	case Streaming:
		// Only "pong" and control commands are expected here; anything else
		// is ignored rather than treated as fatal; binary-frame routing is
		// the only hard failure mode in this state.
	}
}

func (h *Handler) handleConfig(data []byte) {
	var cfg wire.StreamingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		h.sendError("invalid StreamingConfig", "")
		h.closeConn()
		return
	}

	providerIDs := h.Providers
	if len(providerIDs) == 0 {
		h.sendError("no provider selected for this connection", "")
		h.closeConn()
		return
	}

	opts := adapter.StreamingOptions{
		Language:        h.Lang,
		SampleRateHz:    cfg.ClientSampleRate,
		EnableInterim:   cfg.EnableInterim,
		Encoding:        "linear16",
		Model:           h.cfg.StreamingModel,
		BatchModel:      h.cfg.BatchModel,
		FallbackModel:   h.cfg.BatchModelFallback,
		NormalizePreset: cfg.NormalizePreset,
	}
	if cfg.Options != nil {
		opts.EnableVad = cfg.Options.EnableVad
		if cfg.Options.Vad != nil {
			opts.Vad = &adapter.VADOptions{
				SilenceDurationMs: cfg.Options.Vad.SilenceDurationMs,
				PrefixPaddingMs:   cfg.Options.Vad.PrefixPaddingMs,
				Threshold:         cfg.Options.Vad.Threshold,
			}
		}
		opts.PunctuationPolicy = cfg.Options.PunctuationPolicy
		opts.DictionaryPhrases = cfg.Options.DictionaryPhrases
	}
	opts.ContextPhrases = cfg.ContextPhrases

	legs := make(map[string]*providerLeg, len(providerIDs))
	closeStarted := func() {
		for _, leg := range legs {
			if leg.resampler != nil {
				_ = leg.resampler.Close()
			}
			_ = leg.adapterSess.Controller().Close(h.ctx)
		}
	}
	for _, providerID := range providerIDs {
		a, ok := h.registry.Get(providerID)
		if !ok {
			h.sendError(fmt.Sprintf("unknown provider %q", providerID), providerID)
			closeStarted()
			h.closeConn()
			return
		}

		providerRate := cfg.ClientSampleRate
		if rm, ok := a.(adapter.RateMandating); ok {
			providerRate = rm.MandatedSampleRate()
		}
		legOpts := opts
		legOpts.SampleRateHz = providerRate

		sess, err := a.StartStreaming(h.ctx, legOpts)
		if err != nil {
			h.sendError(err.Error(), providerID)
			closeStarted()
			h.closeConn()
			return
		}
		leg := &providerLeg{adapterSess: sess, attrib: attributor.New()}
		if cfg.ClientSampleRate != providerRate {
			rs, rerr := resampler.New(h.cfg.ResamplerPath, cfg.ClientSampleRate, providerRate, h.log)
			if rerr != nil {
				_ = sess.Controller().Close(h.ctx)
				h.sendError(rerr.Error(), providerID)
				closeStarted()
				h.closeConn()
				return
			}
			leg.resampler = rs
		}
		legs[providerID] = leg
	}

	h.mu.Lock()
	h.sessionID = uuid.NewString()
	h.segmentID = uuid.NewString()
	h.clientRate = cfg.ClientSampleRate
	h.degraded = cfg.Degraded
	h.norm = normalizer.New(250, normalizer.ParsePreset(cfg.NormalizePreset))
	h.legs = legs
	h.state = Streaming
	h.startedAt = h.clock()
	h.mu.Unlock()

	for providerID, leg := range legs {
		pid := providerID
		leg.adapterSess.OnData(func(p wire.PartialTranscript) { h.onTranscript(pid, p) })
		leg.adapterSess.OnError(func(err error) { h.onAdapterError(pid, err) })
	}

	h.sendJSON(wire.SessionMessage{
		Type:            wire.TypeSession,
		SessionID:       h.sessionID,
		Provider:        providerIDs[0],
		StartedAt:       h.clock().UnixMilli(),
		InputSampleRate: cfg.ClientSampleRate,
		AudioSpec:       wire.AudioSpec{SampleRate: cfg.ClientSampleRate, Channels: 1, Format: "pcm16le"},
	})
	// Release any audio that accumulated in the backlog during the
	// handshake, after the session message so it is always first.
	close(h.legsReady)
}

// handleBinary decodes one inbound frame and appends it to the bounded
// backlog. Audio arriving before the adapters are ready (or even before the
// config message has been processed) is buffered, not rejected; a client
// that outruns the dispatcher past MaxPcmQueueBytes for longer than the
// overflow grace window is terminated by onOverflowExpired.
func (h *Handler) handleBinary(data []byte) {
	if h.currentState() == Draining {
		return
	}
	f, err := frame.Decode(data)
	if err != nil {
		h.log.Warnf("session %s: dropping invalid frame: %v", h.sessionID, err)
		return
	}
	h.enqueueFrame(f)
}

func (h *Handler) enqueueFrame(f frame.Frame) {
	h.mu.Lock()
	h.backlog = append(h.backlog, f)
	h.queuedBytes += len(f.Payload)
	overLimit := h.queuedBytes > h.cfg.MaxPcmQueueBytes
	if overLimit && h.overflowTimer == nil {
		h.overflowTimer = time.AfterFunc(h.cfg.OverflowGrace(), h.onOverflowExpired)
	}
	h.mu.Unlock()

	select {
	case h.frameAvailable <- struct{}{}:
	default:
	}
}

func (h *Handler) dequeueFrame() (frame.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.backlog) == 0 {
		return frame.Frame{}, false
	}
	f := h.backlog[0]
	h.backlog = h.backlog[1:]
	return f, true
}

// runDispatch is the single consumer of the audio backlog: it waits for the
// provider legs to exist, then forwards frames in arrival order, crediting
// queuedBytes back only once a frame has been handed to every leg.
func (h *Handler) runDispatch() {
	select {
	case <-h.legsReady:
	case <-h.ctx.Done():
		return
	}

	for {
		f, ok := h.dequeueFrame()
		if !ok {
			select {
			case <-h.frameAvailable:
				continue
			case <-h.ctx.Done():
				return
			}
		}

		for providerID, leg := range h.legsSnapshot() {
			h.sendToLeg(providerID, leg, f)
		}

		h.mu.Lock()
		h.queuedBytes -= len(f.Payload)
		if h.queuedBytes < 0 {
			h.queuedBytes = 0
		}
		if h.queuedBytes <= h.cfg.MaxPcmQueueBytes && h.overflowTimer != nil {
			h.overflowTimer.Stop()
			h.overflowTimer = nil
		}
		h.mu.Unlock()

		if h.currentState() == Draining {
			return
		}
	}
}

// sendToLeg resamples (once per leg, since different providers may mandate
// different rates) and forwards one decoded frame to a single provider.
func (h *Handler) sendToLeg(providerID string, leg *providerLeg, f frame.Frame) {
	payload := f.Payload
	captureTs := f.CaptureTs
	durationMs := f.DurationMs

	if leg.resampler != nil {
		chunk, rerr := leg.resampler.Write(h.ctx, resampler.Chunk{Seq: f.Seq, CaptureTs: f.CaptureTs, DurationMs: f.DurationMs, Payload: f.Payload})
		if rerr != nil {
			h.onAdapterError(providerID, fmt.Errorf("resampler: %w", rerr))
			return
		}
		payload, captureTs, durationMs = chunk.Payload, chunk.CaptureTs, chunk.DurationMs
	}
	if len(payload) == 0 {
		return
	}

	leg.attrib.Enqueue(captureTs, durationMs)
	if err := leg.adapterSess.Controller().SendAudio(h.ctx, adapter.AudioChunk{
		Payload: payload, CaptureTs: captureTs, DurationMs: durationMs, Seq: f.Seq,
	}); err != nil {
		h.onAdapterError(providerID, err)
	}
}

// onOverflowExpired fires overflowGraceMs after the backlog first exceeded
// the limit. Still over at that point is fatal, whether or not any provider
// leg exists yet (the adapters may still be connecting — that is exactly
// when the backlog grows fastest).
func (h *Handler) onOverflowExpired() {
	h.mu.Lock()
	stillOver := h.queuedBytes > h.cfg.MaxPcmQueueBytes
	queued := h.queuedBytes
	h.overflowTimer = nil
	h.mu.Unlock()
	if !stillOver {
		return
	}
	h.log.Errorw("session backlog overflow", "sessionId", h.sessionID, "queuedBytes", queued, "limit", h.cfg.MaxPcmQueueBytes)
	h.sendError(fmt.Sprintf("audio backlog exceeded %d bytes for longer than %s, terminating", h.cfg.MaxPcmQueueBytes, h.cfg.OverflowGrace()), "")
	h.beginDrain()
}

func (h *Handler) legsSnapshot() map[string]*providerLeg {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]*providerLeg, len(h.legs))
	for k, v := range h.legs {
		out[k] = v
	}
	return out
}

// onTranscript is a provider's adapter onData callback: annotate, dedup, emit.
func (h *Handler) onTranscript(providerID string, p wire.PartialTranscript) {
	h.mu.Lock()
	leg, ok := h.legs[providerID]
	norm := h.norm
	segmentID := h.segmentID
	degraded := h.degraded
	h.mu.Unlock()
	if !ok {
		return
	}

	sig := p.Signature()
	h.mu.Lock()
	if leg.lastSignature == sig {
		h.mu.Unlock()
		return
	}
	leg.lastSignature = sig
	if p.IsFinal {
		leg.finalCount++
	} else {
		leg.interimCount++
	}
	h.mu.Unlock()

	at := leg.attrib.Attribute(p, float64(h.clock().UnixMilli()))
	at.Degraded = degraded

	h.mu.Lock()
	leg.latencySum += at.LatencyMs
	leg.latencies = append(leg.latencies, at.LatencyMs)
	if !leg.haveMin || at.LatencyMs < leg.latencyMin {
		leg.latencyMin = at.LatencyMs
		leg.haveMin = true
	}
	if at.LatencyMs > leg.latencyMax {
		leg.latencyMax = at.LatencyMs
	}
	h.mu.Unlock()

	h.sendJSON(wire.TranscriptMessage{
		Type:            wire.TypeTranscript,
		Provider:        at.Provider,
		IsFinal:         at.IsFinal,
		Text:            at.Text,
		Words:           at.Words,
		TimestampMs:     at.TimestampMs,
		Channel:         at.Channel,
		LatencyMs:       at.LatencyMs,
		OriginCaptureTs: at.OriginCaptureTs,
		SpeakerID:       at.SpeakerID,
		Degraded:        utils.Ptr(degraded),
	})

	if norm != nil {
		row := norm.Normalize(segmentID, at)
		h.sendJSON(wire.NormalizedMessage{Type: wire.TypeNormalized, NormalizedRow: row})
	}

	if h.store != nil {
		h.store.LogTranscript(h.ctx, &storage.TranscriptLogEntry{
			SessionID: h.sessionID, Provider: at.Provider, Channel: string(at.Channel),
			IsFinal: at.IsFinal, Text: at.Text, LatencyMs: at.LatencyMs,
			OriginCaptureTs: at.OriginCaptureTs, Degraded: degraded,
		})
	}
}

// runKeepalive sends a WS-layer ping every cfg.Keepalive() and tracks missed
// pongs via the connection's pong handler; after cfg.MaxMissedPongs
// consecutive unanswered pings it treats the connection as fatal.
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
				h.log.Warnf("session %s: keepalive timeout after %d missed pongs", h.sessionID, maxMissed)
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
		}
	}
}

func (h *Handler) onAdapterError(providerID string, err error) {
	h.log.Errorw("session adapter error", "sessionId", h.sessionID, "provider", providerID, "error", err.Error())
	h.sendError(err.Error(), providerID)
	h.beginDrain()
}

func (h *Handler) beginDrain() {
	h.mu.Lock()
	if h.state == Draining {
		h.mu.Unlock()
		return
	}
	h.state = Draining
	h.mu.Unlock()
	h.closeConn()
}

// drain runs the Draining transition: resampler.end() ->
// controller.end() -> controller.close() per leg, then persist
// LatencySummary rows (one per provider compared in this session).
func (h *Handler) drain() {
	h.mu.Lock()
	h.state = Draining
	legs := h.legs
	h.mu.Unlock()

	// Legs tear down concurrently; each close can block on the provider's
	// close handshake and a compare session should not pay that serially.
	var g errgroup.Group
	for _, leg := range legs {
		leg := leg
		g.Go(func() error {
			if leg.resampler != nil {
				_ = leg.resampler.Close()
			}
			if leg.adapterSess != nil {
				_ = leg.adapterSess.Controller().End(h.ctx)
				_ = leg.adapterSess.Controller().Close(h.ctx)
			}
			return nil
		})
	}
	_ = g.Wait()

	h.persistLatencySummaries()
	h.log.Infof("session_end: sessionId=%s providers=%d", h.sessionID, len(legs))
	h.cancel()
}

func (h *Handler) persistLatencySummaries() {
	if h.store == nil || h.sessionID == "" {
		return
	}
	h.mu.Lock()
	legs := h.legs
	degraded := h.degraded
	startedAt := h.startedAt
	h.mu.Unlock()
	endedAt := h.clock()
	for providerID, leg := range legs {
		count := leg.finalCount + leg.interimCount
		if count == 0 {
			continue
		}
		samples := append([]float64(nil), leg.latencies...)
		h.store.SaveLatencySummary(context.Background(), &storage.LatencySummary{
			SessionID:    h.sessionID,
			Provider:     providerID,
			Lang:         h.Lang,
			FinalCount:   leg.finalCount,
			InterimCount: leg.interimCount,
			Count:        count,
			AvgLatencyMs: leg.latencySum / float64(count),
			P50LatencyMs: utils.Percentile(append([]float64(nil), samples...), 50),
			P95LatencyMs: utils.Percentile(samples, 95),
			MinLatencyMs: leg.latencyMin,
			MaxLatencyMs: leg.latencyMax,
			Degraded:     degraded,
			StartedAt:    startedAt,
			EndedAt:      endedAt,
		})
	}
}

func (h *Handler) sendJSON(v interface{}) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteJSON(v); err != nil {
		// Outbound send failures are swallowed (peer is gone) but logged.
		h.log.Debugf("session %s: outbound send failed: %v", h.sessionID, err)
	}
}

func (h *Handler) sendError(message, provider string) {
	h.sendJSON(wire.ErrorMessage{Type: wire.TypeError, Message: message, Provider: provider})
}

func (h *Handler) closeConn() {
	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.writeMu.Unlock()
	_ = h.conn.Close()
}

