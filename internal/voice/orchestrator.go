package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

// Audio sources a voice-mode connection multiplexes in meeting mode,
// disambiguated upstream by frame.IsMicSource (seq%2).
const (
	SourceMic     = "mic"
	SourceMeeting = "meeting"
)

// MeetingOptions configures meeting-mode wake-word gating and echo
// suppression.
type MeetingOptions struct {
	Enabled              bool
	WakeWords            []string
	RequireWakeWord      bool
	OpenWindowMs         int
	CooldownMs           int
	EchoSuppressMs       int
	EchoSimilarity       float64
	OutputEnabled        bool
	IntroEnabled         bool
}

// introText is the scripted prompt spoken before listening proper on a
// first meeting-mode session with IntroEnabled.
const introText = `Say "assistant" then continue.`

// Options configures one Orchestrator instance (one per `/ws/voice`
// connection).
type Options struct {
	SystemPrompt    string
	HistoryMaxTurns int // default 12, rolling user+assistant pairs
	Meeting         MeetingOptions
}

// Clock is injectable for deterministic meeting-window tests.
type Clock func() time.Time

type state int

const (
	stateListening state = iota
	stateThinking
	stateSpeaking
)

func (s state) wire() wire.VoiceState {
	switch s {
	case stateThinking:
		return wire.VoiceStateThinking
	case stateSpeaking:
		return wire.VoiceStateSpeaking
	default:
		return wire.VoiceStateListening
	}
}

type voiceTurn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

type suppressedFinal struct {
	source string
	text   string
}

// Orchestrator drives one voice-mode connection's turn state machine:
// STT transcripts in, LLM text + TTS PCM out, with meeting-mode
// gating and echo suppression layered on top of the meeting source.
//
// HandleTranscript and HandleCommand are the only entry points meant to be
// called concurrently with each other; the session handler that owns this
// Orchestrator must serialize its own calls into them, one logical chain
// per connection, matching every other component in this gateway.
type Orchestrator struct {
	log   commons.Logger
	llm   LLMClient
	tts   TTSStreamer
	emit  func(interface{})
	audio func([]byte)
	clock Clock

	rootCtx    context.Context
	rootCancel context.CancelFunc

	systemPrompt    string
	historyMaxTurns int

	gate                 *meetingGate
	meetingOutputEnabled bool
	introEnabled         bool
	windowTimer          *time.Timer

	mu                  sync.Mutex
	state               state
	currentTurn         *voiceTurn
	history             []ChatMessage
	suppressedFinalTexts []suppressedFinal
	suppressedInterim   string
}

// NewOrchestrator builds an Orchestrator. emit delivers one outbound JSON voice_*
// message at a time; audio delivers one outbound raw-PCM binary frame at a
// time. Both are expected to be safe for the caller's own concurrent use
// (typically a mutex-guarded WS writer, as in internal/session.Handler).
func NewOrchestrator(opts Options, llm LLMClient, tts TTSStreamer, log commons.Logger, emit func(interface{}), audio func([]byte)) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	maxTurns := opts.HistoryMaxTurns
	if maxTurns <= 0 {
		maxTurns = 12
	}
	o := &Orchestrator{
		log:             log,
		llm:             llm,
		tts:             tts,
		emit:            emit,
		audio:           audio,
		clock:           time.Now,
		rootCtx:         ctx,
		rootCancel:      cancel,
		systemPrompt:    opts.SystemPrompt,
		historyMaxTurns: maxTurns,
		meetingOutputEnabled: opts.Meeting.OutputEnabled,
		introEnabled:         opts.Meeting.IntroEnabled,
	}
	if opts.Meeting.Enabled {
		o.gate = newMeetingGate(opts.Meeting)
	}
	if o.systemPrompt != "" {
		o.history = append(o.history, ChatMessage{Role: "system", Text: o.systemPrompt})
	}
	return o
}

// Start begins the session: speaks the meeting-mode intro announcement if
// configured, otherwise is a no-op (the machine starts in listening).
func (o *Orchestrator) Start() {
	if !o.introEnabled || o.gate == nil {
		return
	}
	o.mu.Lock()
	if o.state != stateListening {
		o.mu.Unlock()
		return
	}
	turn := o.newTurnLocked()
	o.mu.Unlock()
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateThinking, TurnID: turn.id})
	go o.speak(turn, introText, nil)
}

// Close cancels any in-flight turn and releases the Orchestrator's root
// context. Called once, on session end.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	turn := o.currentTurn
	o.currentTurn = nil
	if o.windowTimer != nil {
		o.windowTimer.Stop()
	}
	o.mu.Unlock()
	if turn != nil {
		turn.cancel()
	}
	o.rootCancel()
}

// HandleTranscript routes one STT PartialTranscript from the given source
// ("mic" or "meeting") through the turn state machine.
func (o *Orchestrator) HandleTranscript(source string, p wire.PartialTranscript) {
	now := o.clock()
	println("DEBUG HandleTranscript", source, p.Text, p.IsFinal)
	text := strings.TrimSpace(p.Text)

	if source == SourceMeeting {
		o.mu.Lock()
		gate := o.gate
		o.mu.Unlock()
		if gate != nil && gate.expireIfNeeded(now) {
			o.emit(wire.VoiceMeetingWindowMessage{Type: wire.TypeVoiceMeetingWindow, State: wire.MeetingWindowClosed, Reason: "timeout"})
		}
	}

	o.mu.Lock()
	st := o.state
	o.mu.Unlock()

	switch st {
	case stateSpeaking:
		o.handleDuringSpeaking(source, p, text, now)
	case stateThinking:
		if p.IsFinal && text != "" {
			if source == SourceMeeting {
				o.mu.Lock()
				gate := o.gate
				o.mu.Unlock()
				if gate != nil && (gate.isEcho(now, text) || !gate.wouldTrigger(now, text)) {
					return
				}
			}
			o.handleBargeInDuringThinking(source, p, text, now)
			return
		}
		o.forwardLive(source, p)
	default:
		o.forwardLive(source, p)
		if p.IsFinal && text != "" {
			o.maybeStartTurn(source, text, now)
		}
	}
}

func (o *Orchestrator) handleDuringSpeaking(source string, p wire.PartialTranscript, text string, now time.Time) {
	if source == SourceMeeting {
		o.mu.Lock()
		gate := o.gate
		o.mu.Unlock()
		if gate != nil && gate.isEcho(now, text) {
			return
		}
		// Un-gated meeting chatter must not barge in on the assistant.
		if gate != nil && p.IsFinal && !gate.wouldTrigger(now, text) {
			return
		}
	}
	if !p.IsFinal {
		o.mu.Lock()
		o.suppressedInterim = text
		o.mu.Unlock()
		return
	}
	if text == "" {
		return
	}
	o.mu.Lock()
	o.suppressedFinalTexts = append(o.suppressedFinalTexts, suppressedFinal{source: source, text: text})
	o.mu.Unlock()
	o.interrupt(wire.VoiceAudioEndBargeIn)
}

func (o *Orchestrator) handleBargeInDuringThinking(source string, p wire.PartialTranscript, text string, now time.Time) {
	o.mu.Lock()
	turn := o.currentTurn
	o.currentTurn = nil
	o.state = stateListening
	o.mu.Unlock()
	if turn != nil {
		turn.cancel()
	}
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
	o.forwardLive(source, p)
	o.maybeStartTurn(source, text, now)
}

func (o *Orchestrator) forwardLive(source string, p wire.PartialTranscript) {
	if source == SourceMeeting && o.gate != nil && !o.meetingOutputEnabled {
		// Meeting audio still gates turns, but its transcripts are not
		// mirrored to the client unless explicitly enabled.
		return
	}
	o.emit(wire.VoiceUserTranscriptMessage{
		Type: wire.TypeVoiceUserTranscript, Text: p.Text, IsFinal: p.IsFinal, Source: source,
	})
}

func (o *Orchestrator) maybeStartTurn(source, text string, now time.Time) {
	if source == SourceMeeting {
		o.mu.Lock()
		gate := o.gate
		o.mu.Unlock()
		if gate == nil {
			return
		}
		res := gate.shouldTrigger(now, text)
		if res.Echo || !res.Trigger {
			return
		}
		if res.WindowOpen {
			o.armWindowTimer(gate)
			o.emit(wire.VoiceMeetingWindowMessage{
				Type: wire.TypeVoiceMeetingWindow, State: wire.MeetingWindowOpened,
				ExpiresAt: gate.windowExpiry().UnixMilli(),
			})
		}
	}
	o.startTurn(text)
}

// armWindowTimer schedules the wake-word window's timeout close, matching
// gate.openWindow; re-triggering (shouldTrigger's WindowOpen) reschedules it.
func (o *Orchestrator) armWindowTimer(gate *meetingGate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.windowTimer != nil {
		o.windowTimer.Stop()
	}
	o.windowTimer = time.AfterFunc(gate.openWindow, func() {
		now := o.clock()
		if gate.expireIfNeeded(now) {
			o.emit(wire.VoiceMeetingWindowMessage{Type: wire.TypeVoiceMeetingWindow, State: wire.MeetingWindowClosed, Reason: "timeout"})
		}
	})
}

func (o *Orchestrator) interrupt(reason wire.VoiceAudioEndReason) {
	o.mu.Lock()
	turn := o.currentTurn
	if turn == nil || o.state != stateSpeaking {
		o.mu.Unlock()
		return
	}
	o.currentTurn = nil
	o.state = stateListening
	o.mu.Unlock()

	turn.cancel()
	o.emit(wire.VoiceAudioEndMessage{Type: wire.TypeVoiceAudioEnd, TurnID: turn.id, Reason: reason})
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
}

// HandleCommand processes a client->server voice control message
// (stop_speaking, barge_in, reset_history).
func (o *Orchestrator) HandleCommand(cmd wire.VoiceCommand) {
	switch cmd.Name {
	case wire.VoiceCommandStopSpeaking:
		o.cancelCurrentTurn(wire.VoiceAudioEndStopped, false)
	case wire.VoiceCommandBargeIn:
		o.cancelCurrentTurn(wire.VoiceAudioEndBargeIn, true)
	case wire.VoiceCommandResetHistory:
		o.resetHistory()
	}
}

func (o *Orchestrator) cancelCurrentTurn(reason wire.VoiceAudioEndReason, replay bool) {
	o.mu.Lock()
	turn := o.currentTurn
	wasSpeaking := o.state == stateSpeaking
	if turn != nil {
		o.currentTurn = nil
		o.state = stateListening
	}
	o.mu.Unlock()

	if turn != nil {
		turn.cancel()
		if wasSpeaking {
			o.emit(wire.VoiceAudioEndMessage{Type: wire.TypeVoiceAudioEnd, TurnID: turn.id, Reason: reason})
		}
		o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
	}
	if replay {
		o.flushSuppressed()
	}
}

// flushSuppressed replays the suppression buffer to the client on barge-in
// and, if any finals were buffered, starts a new turn from them.
func (o *Orchestrator) flushSuppressed() {
	o.mu.Lock()
	finals := o.suppressedFinalTexts
	interim := o.suppressedInterim
	o.suppressedFinalTexts = nil
	o.suppressedInterim = ""
	o.mu.Unlock()

	if interim != "" {
		o.emit(wire.VoiceUserTranscriptMessage{
			Type: wire.TypeVoiceUserTranscript, Text: interim, IsFinal: false, Source: SourceMic, Suppressed: true,
		})
	}
	var texts []string
	for _, f := range finals {
		o.emit(wire.VoiceUserTranscriptMessage{
			Type: wire.TypeVoiceUserTranscript, Text: f.text, IsFinal: true, Source: f.source, Suppressed: true,
		})
		texts = append(texts, f.text)
	}
	if len(texts) == 0 {
		return
	}
	o.startTurn(strings.Join(texts, " "))
}

func (o *Orchestrator) resetHistory() {
	o.mu.Lock()
	turn := o.currentTurn
	o.currentTurn = nil
	o.state = stateListening
	o.suppressedFinalTexts = nil
	o.suppressedInterim = ""
	o.history = o.history[:0]
	if o.systemPrompt != "" {
		o.history = append(o.history, ChatMessage{Role: "system", Text: o.systemPrompt})
	}
	gate := o.gate
	if o.windowTimer != nil {
		o.windowTimer.Stop()
		o.windowTimer = nil
	}
	o.mu.Unlock()

	if turn != nil {
		turn.cancel()
	}
	if gate != nil {
		gate.closeWindow(o.clock())
		o.emit(wire.VoiceMeetingWindowMessage{Type: wire.TypeVoiceMeetingWindow, State: wire.MeetingWindowClosed, Reason: "reset_history"})
	}
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
}

// newTurnLocked allocates a voiceTurn and transitions to thinking. Caller
// must hold o.mu and already have verified o.state == stateListening.
func (o *Orchestrator) newTurnLocked() *voiceTurn {
	ctx, cancel := context.WithCancel(o.rootCtx)
	turn := &voiceTurn{id: uuid.NewString(), ctx: ctx, cancel: cancel}
	o.currentTurn = turn
	o.state = stateThinking
	return turn
}

func (o *Orchestrator) startTurn(triggerText string) {
	o.mu.Lock()
	println("DEBUG startTurn state", int(o.state))
	if o.state != stateListening {
		o.mu.Unlock()
		return
	}
	o.history = append(o.history, ChatMessage{Role: "user", Text: triggerText})
	o.trimHistoryLocked()
	turn := o.newTurnLocked()
	history := append([]ChatMessage(nil), o.history...)
	o.mu.Unlock()

	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateThinking, TurnID: turn.id})
	go o.runTurn(turn, history)
}

// trimHistoryLocked caps the rolling history at historyMaxTurns user+
// assistant pairs, always keeping a leading system message if one exists.
// Caller must hold o.mu.
func (o *Orchestrator) trimHistoryLocked() {
	limit := o.historyMaxTurns * 2
	hasSystem := len(o.history) > 0 && o.history[0].Role == "system"
	offset := 0
	if hasSystem {
		offset = 1
	}
	if len(o.history)-offset <= limit {
		return
	}
	keep := o.history[len(o.history)-limit:]
	if hasSystem {
		o.history = append([]ChatMessage{o.history[0]}, keep...)
	} else {
		o.history = append([]ChatMessage(nil), keep...)
	}
}

func (o *Orchestrator) runTurn(turn *voiceTurn, history []ChatMessage) {
	println("DEBUG runTurn start")
	deltas, err := o.llm.StreamChat(turn.ctx, history)
	if err != nil {
		o.abortTurn(turn, err)
		return
	}

	var fullText string
	for d := range deltas {
		if d.Err != nil {
			o.abortTurn(turn, d.Err)
			return
		}
		fullText = d.Text
		o.emit(wire.VoiceAssistantTextMessage{Type: wire.TypeVoiceAssistantText, TurnID: turn.id, Text: d.Text, Done: d.Done})
	}
	if turn.ctx.Err() != nil {
		return // cancelled mid-stream; the cancelling path already transitioned state
	}
	if strings.TrimSpace(fullText) == "" {
		o.finishSilently(turn)
		return
	}

	o.mu.Lock()
	o.history = append(o.history, ChatMessage{Role: "assistant", Text: fullText})
	o.trimHistoryLocked()
	o.mu.Unlock()

	o.speak(turn, fullText, func() {
		o.mu.Lock()
		gate := o.gate
		o.mu.Unlock()
		if gate != nil {
			gate.noteAssistantUtterance(o.clock(), fullText)
		}
	})
}

// speak synthesizes text via TTS and streams it to the client, transitioning
// listening->thinking->speaking->listening. onSpoken, if non-nil, runs right
// before the natural-completion audio_end is emitted (used to anchor echo
// suppression on a real turn's reply, not the meeting intro).
func (o *Orchestrator) speak(turn *voiceTurn, text string, onSpoken func()) {
	println("DEBUG speak start")
	chunks, err := o.tts.Synthesize(turn.ctx, text)
	if err != nil {
		o.abortTurn(turn, err)
		return
	}

	started := false
	for chunk := range chunks {
		if !started {
			o.mu.Lock()
			if o.currentTurn != turn {
				o.mu.Unlock()
				return // superseded mid-synthesis; drop remaining audio
			}
			o.state = stateSpeaking
			o.mu.Unlock()
			o.emit(wire.VoiceAudioStartMessage{Type: wire.TypeVoiceAudioStart, TurnID: turn.id, SampleRate: o.tts.SampleRate()})
			started = true
		}
		o.audio(chunk)
	}
	if turn.ctx.Err() != nil {
		return // interrupted; the interrupting path already emitted audio_end
	}

	o.mu.Lock()
	if o.currentTurn == turn {
		o.currentTurn = nil
		o.state = stateListening
		o.suppressedFinalTexts = nil
		o.suppressedInterim = ""
	}
	o.mu.Unlock()

	if onSpoken != nil {
		onSpoken()
	}
	o.emit(wire.VoiceAudioEndMessage{Type: wire.TypeVoiceAudioEnd, TurnID: turn.id, Reason: wire.VoiceAudioEndCompleted})
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
}

func (o *Orchestrator) finishSilently(turn *voiceTurn) {
	o.mu.Lock()
	if o.currentTurn == turn {
		o.currentTurn = nil
		o.state = stateListening
	}
	o.mu.Unlock()
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
}

// abortTurn implements the NetworkIntermittent recovery class: the
// current turn only is discarded, returning to listening.
func (o *Orchestrator) abortTurn(turn *voiceTurn, err error) {
	o.log.Warnf("voice: turn %s aborted: %v", turn.id, err)
	o.mu.Lock()
	wasSpeaking := o.state == stateSpeaking && o.currentTurn == turn
	if o.currentTurn == turn {
		o.currentTurn = nil
		o.state = stateListening
	}
	o.mu.Unlock()
	if wasSpeaking {
		o.emit(wire.VoiceAudioEndMessage{Type: wire.TypeVoiceAudioEnd, TurnID: turn.id, Reason: wire.VoiceAudioEndError})
	}
	o.emit(wire.VoiceStateMessage{Type: wire.TypeVoiceState, State: wire.VoiceStateListening})
}

// CurrentState reports the orchestrator's state, exported for tests and the
// voice WS handler's diagnostics.
func (o *Orchestrator) CurrentState() wire.VoiceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.wire()
}
