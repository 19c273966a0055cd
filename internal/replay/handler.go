// Package replay implements the Replay Session Handler: a variant of
// the Realtime Session Handler that drives the same Frame Codec -> Resampler
// -> Provider Adapter -> Attributor -> Normalizer pipeline from a server-side
// file instead of live client audio, simulating captureTs from the file's
// own recorded timeline. Concurrency and message shapes are carried over
// from internal/session.Handler unchanged; only the audio source differs.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
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

// timelineFrame is one entry of a replay session's recorded frame timeline
// (the sidecar `<sessionId>.json` beside `<sessionId>.pcm`, per the open
// question this gateway resolved on replay file layout).
type timelineFrame struct {
	Seq        uint32  `json:"seq"`
	OffsetMs   float64 `json:"offsetMs"`
	DurationMs float32 `json:"durationMs"`
	Bytes      int     `json:"bytes"`
}

// timeline is the sidecar file's top-level shape.
type timeline struct {
	SampleRate int             `json:"sampleRate"`
	Frames     []timelineFrame `json:"frames"`
}

// loadTimeline reads and validates the sidecar timeline plus the raw PCM
// file for one replay session.
func loadTimeline(dir, sessionID string) (timeline, []byte, error) {
	tlBytes, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return timeline{}, nil, fmt.Errorf("replay: read timeline: %w", err)
	}
	var tl timeline
	if err := json.Unmarshal(tlBytes, &tl); err != nil {
		return timeline{}, nil, fmt.Errorf("replay: parse timeline: %w", err)
	}
	pcm, err := os.ReadFile(filepath.Join(dir, sessionID+".pcm"))
	if err != nil {
		return timeline{}, nil, fmt.Errorf("replay: read pcm: %w", err)
	}
	return tl, pcm, nil
}

// providerLeg mirrors internal/session.Handler's providerLeg; kept as a
// separate (small) type here rather than exported from that package, since
// the two handlers are siblings driven by different audio sources, not one
// sharing internal state.
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

// State is the Replay Session Handler's lifecycle state, matching the
// Realtime Session Handler's.
type State int

const (
	AwaitingConfig State = iota
	Playing
	Draining
)

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Handler drives one `/ws/replay` connection by reading a previously
// uploaded file instead of the client's binary WS frames.
type Handler struct {
	log       commons.Logger
	conn      *websocket.Conn
	registry  *adapter.Registry
	cfg       *config.AppConfig
	store     *storage.Store
	clock     Clock
	replayDir string

	Providers []string
	SessionID string // the replay file's key, distinct from the generated live sessionId
	Lang      string // the `lang` query parameter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	batchWG sync.WaitGroup

	mu        sync.Mutex
	state     State
	liveID    string
	degraded  bool
	segmentID string
	norm      *normalizer.Normalizer
	legs      map[string]*providerLeg
	startedAt time.Time
}

// New builds a Handler for one accepted `/ws/replay` connection. sessionID
// identifies the replay file (the `sessionId` query parameter), distinct
// from the per-connection id this handler mints for outbound messages.
func New(conn *websocket.Conn, registry *adapter.Registry, cfg *config.AppConfig, store *storage.Store, log commons.Logger, providers []string, sessionID string, lang string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		log:       log,
		conn:      conn,
		registry:  registry,
		cfg:       cfg,
		store:     store,
		clock:     time.Now,
		replayDir: cfg.ReplayDir,
		Providers: providers,
		SessionID: sessionID,
		Lang:      lang,
		ctx:       ctx,
		cancel:    cancel,
		state:     AwaitingConfig,
		legs:      make(map[string]*providerLeg),
	}
}

// Run blocks driving the connection: it waits for the client's
// StreamingConfig, plays the replay file through the provider pipeline, and
// keeps reading the socket (for pong/commands, and to notice client close)
// until playback finishes or the client disconnects.
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

	if h.SessionID == "" {
		h.sendError("replay requires a sessionId query parameter", "")
		h.closeConn()
		return
	}

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage {
			h.handleText(data)
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
	if h.currentState() != AwaitingConfig {
		return // replay ignores client commands once playback has started
	}
	h.handleConfig(data)
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

	tl, pcm, err := loadTimeline(h.replayDir, h.SessionID)
	if err != nil {
		h.sendError(err.Error(), "")
		h.closeConn()
		return
	}

	opts := adapter.StreamingOptions{
		Language:        h.Lang,
		SampleRateHz:    tl.SampleRate,
		EnableInterim:   cfg.EnableInterim,
		Encoding:        "linear16",
		Model:           h.cfg.StreamingModel,
		BatchModel:      h.cfg.BatchModel,
		FallbackModel:   h.cfg.BatchModelFallback,
		NormalizePreset: cfg.NormalizePreset,
	}
	if cfg.Options != nil {
		opts.EnableVad = cfg.Options.EnableVad
		opts.PunctuationPolicy = cfg.Options.PunctuationPolicy
		opts.DictionaryPhrases = cfg.Options.DictionaryPhrases
	}
	opts.ContextPhrases = cfg.ContextPhrases

	legs := make(map[string]*providerLeg, len(providerIDs))
	var batchOnly []batchRun
	for _, providerID := range providerIDs {
		a, ok := h.registry.Get(providerID)
		if !ok {
			h.sendError(fmt.Sprintf("unknown provider %q", providerID), providerID)
			h.closeConn()
			return
		}

		// A batch-only provider has no streaming session to pace audio into;
		// replay hands it the whole file in one shot instead.
		if !a.SupportsStreaming() && a.SupportsBatch() {
			legs[providerID] = &providerLeg{attrib: attributor.New()}
			batchOnly = append(batchOnly, batchRun{providerID: providerID, adapter: a})
			continue
		}

		providerRate := tl.SampleRate
		if rm, ok := a.(adapter.RateMandating); ok {
			providerRate = rm.MandatedSampleRate()
		}
		legOpts := opts
		legOpts.SampleRateHz = providerRate

		sess, err := a.StartStreaming(h.ctx, legOpts)
		if err != nil {
			h.sendError(err.Error(), providerID)
			h.closeConn()
			return
		}
		leg := &providerLeg{adapterSess: sess, attrib: attributor.New()}
		if tl.SampleRate != providerRate {
			rs, rerr := resampler.New(h.cfg.ResamplerPath, tl.SampleRate, providerRate, h.log)
			if rerr != nil {
				h.sendError(rerr.Error(), providerID)
				h.closeConn()
				return
			}
			leg.resampler = rs
		}
		legs[providerID] = leg
	}

	h.mu.Lock()
	h.liveID = uuid.NewString()
	h.segmentID = uuid.NewString()
	h.degraded = cfg.Degraded
	h.norm = normalizer.New(250, normalizer.ParsePreset(cfg.NormalizePreset))
	h.legs = legs
	h.state = Playing
	h.startedAt = h.clock()
	h.mu.Unlock()

	for providerID, leg := range legs {
		if leg.adapterSess == nil {
			continue
		}
		pid := providerID
		leg.adapterSess.OnData(func(p wire.PartialTranscript) { h.onTranscript(pid, p) })
		leg.adapterSess.OnError(func(err error) { h.onAdapterError(pid, err) })
	}

	h.sendJSON(wire.SessionMessage{
		Type:            wire.TypeSession,
		SessionID:       h.liveID,
		Provider:        providerIDs[0],
		StartedAt:       h.clock().UnixMilli(),
		InputSampleRate: tl.SampleRate,
		AudioSpec:       wire.AudioSpec{SampleRate: tl.SampleRate, Channels: 1, Format: "pcm16le"},
	})

	for _, br := range batchOnly {
		br := br
		batchOpts := opts
		batchOpts.SampleRateHz = tl.SampleRate
		h.batchWG.Add(1)
		go func() {
			defer h.batchWG.Done()
			h.runBatch(br.providerID, br.adapter, pcm, batchOpts)
		}()
	}
	go h.playback(tl, pcm)
}

// batchRun is a batch-only provider's share of a replay session.
type batchRun struct {
	providerID string
	adapter    adapter.Adapter
}

// runBatch transcribes the whole replay file through a batch-only provider
// and feeds the result into the same transcript path streaming legs use.
func (h *Handler) runBatch(providerID string, a adapter.Adapter, pcm []byte, opts adapter.StreamingOptions) {
	res, err := a.TranscribeFileFromPCM(h.ctx, bytes.NewReader(pcm), opts)
	if err != nil {
		h.onAdapterError(providerID, err)
		return
	}
	h.onTranscript(providerID, wire.PartialTranscript{
		Provider:    providerID,
		IsFinal:     true,
		Text:        res.Text,
		Words:       res.Words,
		TimestampMs: float64(h.clock().UnixMilli()),
		Channel:     wire.ChannelFile,
	})
}

// playback replays the file's recorded frame timeline, simulating captureTs
// as wall-clock-at-replay-start plus the frame's original recorded offset,
// and pacing sends by the gaps between consecutive offsets.
func (h *Handler) playback(tl timeline, pcm []byte) {
	start := h.clock()
	offset := 0
	prevOffsetMs := 0.0

	for i, tf := range tl.Frames {
		if h.currentState() == Draining {
			return
		}
		if i > 0 {
			gap := time.Duration((tf.OffsetMs - prevOffsetMs) * float64(time.Millisecond))
			if gap > 0 {
				select {
				case <-time.After(gap):
				case <-h.ctx.Done():
					return
				}
			}
		}
		prevOffsetMs = tf.OffsetMs

		if offset+tf.Bytes > len(pcm) {
			h.log.Warnf("replay %s: timeline overruns pcm file, truncating", h.SessionID)
			break
		}
		f := frame.Frame{
			Seq:        tf.Seq,
			CaptureTs:  float64(start.UnixMilli()) + tf.OffsetMs,
			DurationMs: tf.DurationMs,
			Payload:    pcm[offset : offset+tf.Bytes],
		}
		offset += tf.Bytes

		for providerID, leg := range h.legsSnapshot() {
			h.sendToLeg(providerID, leg, f)
		}
	}
	// Batch-only providers are still posting the whole file; the session
	// must not drain out from under their fetch.
	h.batchWG.Wait()
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

func (h *Handler) sendToLeg(providerID string, leg *providerLeg, f frame.Frame) {
	if leg.adapterSess == nil {
		return // batch-only leg; fed the whole file by runBatch instead
	}
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

func (h *Handler) onTranscript(providerID string, p wire.PartialTranscript) {
	h.mu.Lock()
	leg, ok := h.legs[providerID]
	norm := h.norm
	segmentID := h.segmentID
	degraded := h.degraded
	liveID := h.liveID
	h.mu.Unlock()
	if !ok {
		return
	}

	// Replay audio originates from an uploaded file, not the client mic,
	// regardless of what channel the adapter defaults to.
	p.Channel = wire.ChannelFile

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
			SessionID: liveID, Provider: at.Provider, Channel: string(at.Channel),
			IsFinal: at.IsFinal, Text: at.Text, LatencyMs: at.LatencyMs,
			OriginCaptureTs: at.OriginCaptureTs, Degraded: degraded,
		})
	}
}

// runKeepalive mirrors internal/session.Handler's ping ticker.
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
				h.log.Warnf("replay %s: keepalive timeout after %d missed pongs", h.SessionID, maxMissed)
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
	if err == io.EOF {
		return
	}
	h.log.Errorw("replay adapter error", "sessionId", h.SessionID, "provider", providerID, "error", err.Error())
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

func (h *Handler) drain() {
	h.mu.Lock()
	h.state = Draining
	legs := h.legs
	h.mu.Unlock()

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
	h.log.Infof("replay_end: replaySessionId=%s providers=%d", h.SessionID, len(legs))
	h.cancel()
}

func (h *Handler) persistLatencySummaries() {
	if h.store == nil || h.liveID == "" {
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
			SessionID:    h.liveID,
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
		h.log.Debugf("replay %s: outbound send failed: %v", h.SessionID, err)
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

