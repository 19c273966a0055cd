// Package wsrealtime implements the WS-Realtime provider adapter:
// a persistent WebSocket session to a realtime-transcription provider whose
// event shape (session.update / input_audio_buffer.append /
// conversation.item.*) matches OpenAI's realtime transcription API. The
// socket I/O and the session.created/session.updated ready gate, commit
// scheduling, and ordered-finalization state machine are hand-rolled here
// rather than taken from github.com/openai/openai-go: that SDK's
// request/response structs describe the REST surface, not the specific
// item-ordering and commit semantics this adapter needs, so only its naming
// conventions are borrowed. Transport is github.com/gorilla/websocket.
package wsrealtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
	"github.com/sttbridge/gateway/pkg/utils"
)

const (
	// ConnectTimeout bounds how long the ready gate (session.created AND
	// session.updated) is awaited after dialing.
	ConnectTimeout = 10 * time.Second
	// HighWaterBytes bounds the outbound socket buffer sendAudio backs off on.
	HighWaterBytes = 5 * 1024 * 1024
	// BackoffInterval is the poll period while waiting below HighWaterBytes.
	BackoffInterval = 10 * time.Millisecond
	// ManualCommitDelay is how long after the first buffered byte a manual
	// commit is scheduled, when server VAD is not in use.
	ManualCommitDelay = time.Second
	// KeepaliveInterval is the WS ping cadence while the session is open.
	KeepaliveInterval = 15 * time.Second
	// CloseTimeout bounds how long Close waits for the provider's close frame.
	CloseTimeout = 2 * time.Second

	defaultEndpoint = "wss://api.openai.com/v1/realtime"
	defaultModel    = "gpt-4o-transcribe"
	mandatedRate    = 24000
)

// Adapter dials the provider's realtime endpoint for every streaming session.
type Adapter struct {
	apiKey   string
	endpoint string
	log      commons.Logger
	dial     func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// New builds a wsrealtime Adapter. apiKey is validated lazily on
// StartStreaming (ErrMissingCredentials) rather than at construction.
func New(apiKey string, log commons.Logger) *Adapter {
	return &Adapter{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		log:      log,
		dial: func(ctx context.Context, u string, header http.Header) (*websocket.Conn, *http.Response, error) {
			return websocket.DefaultDialer.DialContext(ctx, u, header)
		},
	}
}

func (a *Adapter) Name() string            { return "wsRealtime" }
func (a *Adapter) SupportsStreaming() bool { return true }
func (a *Adapter) SupportsBatch() bool     { return false }

func (a *Adapter) TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts adapter.StreamingOptions) (adapter.BatchResult, error) {
	return adapter.BatchResult{}, fmt.Errorf("wsrealtime: %w", errUnsupportedBatch)
}

var errUnsupportedBatch = fmt.Errorf("batch transcription not supported by this adapter")

// MandatedSampleRate is the sample rate this provider requires audio at. It
// is exported so the session handler can decide whether the Resampler needs
// to run before reaching this adapter.
func (a *Adapter) MandatedSampleRate() int { return mandatedRate }

func (a *Adapter) StartStreaming(ctx context.Context, opts adapter.StreamingOptions) (adapter.StreamingSession, error) {
	if utils.IsEmpty(a.apiKey) {
		return nil, adapter.ErrMissingCredentials
	}
	if opts.SampleRateHz != mandatedRate {
		return nil, adapter.ErrInvalidSampleRate
	}

	q := url.Values{}
	q.Set("intent", "transcription")
	dialURL := a.endpoint + "?" + q.Encode()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancelDial := context.WithTimeout(ctx, ConnectTimeout)
	defer cancelDial()
	conn, _, err := a.dial(dialCtx, dialURL, header)
	if err != nil {
		return nil, fmt.Errorf("wsrealtime: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		log:       a.log,
		conn:      conn,
		opts:      opts,
		ctx:       sessCtx,
		cancel:    cancel,
		readyCh:   make(chan struct{}),
		closeCh:   make(chan struct{}),
		pending:   make(map[string]*pendingItem),
		minBufferedBytes: (opts.SampleRateHz * 2 * 100) / 1000,
	}

	if err := s.configure(); err != nil {
		_ = conn.Close()
		cancel()
		return nil, err
	}

	go s.readLoop()
	go s.keepaliveLoop()

	select {
	case <-s.readyCh:
	case <-time.After(ConnectTimeout):
		_ = conn.Close()
		cancel()
		return nil, adapter.ErrConnectTimeout
	case <-ctx.Done():
		_ = conn.Close()
		cancel()
		return nil, ctx.Err()
	}
	return s, nil
}

// pendingItem tracks per-item transcript accumulation and finalization order.
type pendingItem struct {
	accum        string
	previousID   string
	completed    bool
	completeText string
}

type session struct {
	log  commons.Logger
	conn *websocket.Conn
	opts adapter.StreamingOptions

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	readyOnce    sync.Once
	readyCh      chan struct{}
	sessionCreated bool
	sessionUpdated bool

	closeOnce sync.Once
	closeCh   chan struct{}

	mu               sync.Mutex
	hasBufferedAudio bool
	bufferedBytes    int
	minBufferedBytes int
	commitTimer      *time.Timer
	ended            bool
	closed           bool
	awaitingAck      bool // a commit we issued has not yet been acked
	ackSnapshot      int  // bufferedBytes at the moment that commit was issued

	itemMu      sync.Mutex
	pending     map[string]*pendingItem
	order       []string

	cbMu    sync.RWMutex
	onData  func(wire.PartialTranscript)
	onError func(error)
	onClose func()
}

func (s *session) Controller() adapter.StreamingController { return s }

func (s *session) OnData(cb func(wire.PartialTranscript)) {
	s.cbMu.Lock()
	s.onData = cb
	s.cbMu.Unlock()
}

func (s *session) OnError(cb func(error)) {
	s.cbMu.Lock()
	s.onError = cb
	s.cbMu.Unlock()
}

func (s *session) OnClose(cb func()) {
	s.cbMu.Lock()
	s.onClose = cb
	s.cbMu.Unlock()
}

func (s *session) dataCb() func(wire.PartialTranscript) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onData
}

// configure sends the single session.update message.
func (s *session) configure() error {
	prompt := utils.DedupStrings(s.opts.ContextPhrases, s.opts.DictionaryPhrases)
	turnDetection := interface{}(nil)
	if s.opts.EnableVad {
		vad := s.opts.Vad
		if vad == nil {
			vad = &adapter.VADOptions{SilenceDurationMs: 500, PrefixPaddingMs: 300, Threshold: 0.5}
		}
		turnDetection = map[string]interface{}{
			"type":                "server_vad",
			"silence_duration_ms": vad.SilenceDurationMs,
			"prefix_padding_ms":   vad.PrefixPaddingMs,
			"threshold":           vad.Threshold,
		}
	}

	model := s.opts.Model
	if utils.IsEmpty(model) {
		model = defaultModel
	}

	msg := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"input_audio_format": "pcm16",
			"input_audio_noise_reduction": map[string]interface{}{
				"type": "near_field",
			},
			"input_audio_transcription": map[string]interface{}{
				"model":    model,
				"language": s.opts.Language,
				"prompt":   joinPrompt(prompt),
			},
			"turn_detection": turnDetection,
		},
	}
	return s.writeJSON(msg)
}

func joinPrompt(phrases []string) string {
	out := ""
	for i, p := range phrases {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// readLoop consumes provider events until the socket closes or a top-level
// error arrives; it drives the ready gate, delta accumulation, and the
// ordered-finalization cursor.
func (s *session) readLoop() {
	defer s.finishClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				s.fatal(fmt.Errorf("%w: %v", adapter.ErrStreamClosed, err))
			}
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "session.created", "transcription_session.created":
			s.sessionCreated = true
			s.maybeReady()
		case "session.updated", "transcription_session.updated":
			s.sessionUpdated = true
			s.maybeReady()
		case "input_audio_buffer.committed":
			s.handleCommitted()
		case "input_audio_buffer.cleared":
			s.handleCleared()
		case "conversation.item.created":
			s.handleItemCreated(data)
		case "conversation.item.input_audio_transcription.delta":
			s.handleDelta(data)
		case "conversation.item.input_audio_transcription.completed":
			s.handleCompleted(data)
		case "conversation.item.input_audio_transcription.failed":
			s.handleFailed(data)
		case "error":
			var e struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			_ = json.Unmarshal(data, &e)
			// "buffer too small" is the expected shape of the late-commit
			// race: our own commit scheduling can race a
			// provider-side auto-commit on an already-drained buffer. It
			// must not be surfaced as a fatal session error.
			if isBufferTooSmall(e.Error.Message) {
				continue
			}
			s.fatal(fmt.Errorf("wsrealtime: provider error: %s", e.Error.Message))
			return
		}
	}
}

func (s *session) maybeReady() {
	if s.sessionCreated && s.sessionUpdated {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
}

// handleCommitted and handleCleared implement the late-commit race guard:
// a commit we issued is acked against the bufferedBytes
// snapshot taken when it was requested, not against whatever bufferedBytes
// holds by the time the ack arrives. Only the committed portion is
// subtracted, so audio appended for the next turn in between survives and a
// subsequent end() will still commit it. An ack we never requested (a
// server-VAD auto-commit) has no snapshot to reconcile against and is left
// alone: End()'s force-commit is harmless to re-issue against an
// already-empty provider buffer (the provider just replies "buffer too
// small", which is swallowed as benign).
func (s *session) handleCommitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingAck {
		return
	}
	s.awaitingAck = false
	remaining := s.bufferedBytes - s.ackSnapshot
	if remaining <= 0 {
		s.bufferedBytes = 0
		s.hasBufferedAudio = false
		return
	}
	s.bufferedBytes = remaining
}

func (s *session) handleCleared() {
	s.handleCommitted()
}

type itemEvent struct {
	Item struct {
		ID string `json:"id"`
	} `json:"item"`
	PreviousItemID string `json:"previous_item_id"`
	ItemID         string `json:"item_id"`
}

func (s *session) handleItemCreated(data []byte) {
	var e itemEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	s.itemMu.Lock()
	defer s.itemMu.Unlock()
	if _, ok := s.pending[e.Item.ID]; !ok {
		s.pending[e.Item.ID] = &pendingItem{previousID: e.PreviousItemID}
		s.order = append(s.order, e.Item.ID)
	}
}

type deltaEvent struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (s *session) handleDelta(data []byte) {
	var e deltaEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	s.itemMu.Lock()
	item, ok := s.pending[e.ItemID]
	if !ok {
		item = &pendingItem{}
		s.pending[e.ItemID] = item
		s.order = append(s.order, e.ItemID)
	}
	item.accum += e.Delta
	cumulative := item.accum
	s.itemMu.Unlock()

	if cb := s.dataCb(); s.opts.EnableInterim && cb != nil {
		cb(wire.PartialTranscript{
			Provider:    "wsRealtime",
			IsFinal:     false,
			Text:        cumulative,
			TimestampMs: float64(time.Now().UnixMilli()),
			Channel:     wire.ChannelMic,
		})
	}
}

type completedEvent struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// handleCompleted marks an item complete, then drains as many
// now-deliverable finals as the linked-list order allows, starting from the
// head (the item whose previous_item_id is not itself tracked).
func (s *session) handleCompleted(data []byte) {
	var e completedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	s.itemMu.Lock()
	item, ok := s.pending[e.ItemID]
	if !ok {
		item = &pendingItem{}
		s.pending[e.ItemID] = item
		s.order = append(s.order, e.ItemID)
	}
	item.completed = true
	item.completeText = e.Transcript
	ready := s.drainOrderedLocked()
	s.itemMu.Unlock()

	for _, pt := range ready {
		if utils.IsEmpty(pt.text) {
			continue
		}
		if cb := s.dataCb(); cb != nil {
			cb(wire.PartialTranscript{
				Provider:    "wsRealtime",
				IsFinal:     true,
				Text:        pt.text,
				TimestampMs: float64(time.Now().UnixMilli()),
				Channel:     wire.ChannelMic,
			})
		}
	}
}

type finalizedText struct{ text string }

// drainOrderedLocked emits completed items in order starting from the item
// whose previous_item_id is not (or no longer) tracked in s.pending — the
// head of the chain — advancing until the next item is missing or
// incomplete. Empty finals still advance the cursor without emitting.
func (s *session) drainOrderedLocked() []finalizedText {
	var out []finalizedText
	for {
		var headID string
		found := false
		for _, id := range s.order {
			item, ok := s.pending[id]
			if !ok {
				continue
			}
			if _, prevTracked := s.pending[item.previousID]; !prevTracked {
				headID = id
				found = true
				break
			}
		}
		if !found {
			return out
		}
		item := s.pending[headID]
		if !item.completed {
			return out
		}
		out = append(out, finalizedText{text: item.completeText})
		delete(s.pending, headID)
		s.removeFromOrderLocked(headID)
	}
}

func (s *session) removeFromOrderLocked(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

type failedEvent struct {
	ItemID string `json:"item_id"`
}

// handleFailed is item-scoped: drop the accumulator and any pending state
// for that item only.
func (s *session) handleFailed(data []byte) {
	var e failedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	s.itemMu.Lock()
	delete(s.pending, e.ItemID)
	s.removeFromOrderLocked(e.ItemID)
	s.itemMu.Unlock()
}

// SendAudio aligns to 2-byte samples, awaits the outbound buffer staying
// under HighWaterBytes, sends input_audio_buffer.append, and schedules a
// manual commit if server VAD is not in use.
func (s *session) SendAudio(ctx context.Context, chunk adapter.AudioChunk) error {
	payload := chunk.Payload
	if len(payload)%2 != 0 {
		payload = payload[:len(payload)-1]
	}
	if len(payload) == 0 {
		return nil
	}

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.outboundBufferedLen() <= HighWaterBytes {
			break
		}
		time.Sleep(BackoffInterval)
	}

	b64 := base64.StdEncoding.EncodeToString(payload)
	if err := s.writeJSON(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	}); err != nil {
		return fmt.Errorf("wsrealtime: send audio: %w", err)
	}

	s.mu.Lock()
	firstByte := !s.hasBufferedAudio
	s.hasBufferedAudio = true
	s.bufferedBytes += len(payload)
	if !s.opts.EnableVad && firstByte {
		s.commitTimer = time.AfterFunc(ManualCommitDelay, s.maybeManualCommit)
	}
	s.mu.Unlock()
	return nil
}

func (s *session) outboundBufferedLen() int {
	// gorilla/websocket does not expose the kernel send buffer depth; the
	// write call itself blocks on TCP backpressure, so this adapter treats
	// the backoff loop as a best-effort yield point rather than a precise
	// byte counter.
	return 0
}

func (s *session) maybeManualCommit() {
	s.mu.Lock()
	if s.opts.EnableVad || s.bufferedBytes < s.minBufferedBytes {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.commit(false)
}

func (s *session) commit(force bool) error {
	s.mu.Lock()
	if !force && s.bufferedBytes < s.minBufferedBytes {
		s.mu.Unlock()
		return nil
	}
	if !s.hasBufferedAudio {
		s.mu.Unlock()
		return nil
	}
	s.awaitingAck = true
	s.ackSnapshot = s.bufferedBytes
	s.mu.Unlock()
	return s.writeJSON(map[string]interface{}{"type": "input_audio_buffer.commit"})
}

// End forces a commit of any remaining buffered audio.
func (s *session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	if s.commitTimer != nil {
		s.commitTimer.Stop()
	}
	s.mu.Unlock()
	return s.commit(true)
}

// Close commits remaining audio, sends a WS close frame, and waits up to
// CloseTimeout for the provider's close frame.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.commit(true)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	select {
	case <-s.closeCh:
	case <-time.After(CloseTimeout):
	}
	s.cancel()
	return s.conn.Close()
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func (s *session) fatal(err error) {
	s.cbMu.RLock()
	cb := s.onError
	s.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (s *session) finishClose() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.cbMu.RLock()
		cb := s.onClose
		s.cbMu.RUnlock()
		if cb != nil {
			cb()
		}
	})
}

func isBufferTooSmall(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "buffer too small")
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
