package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

type recorder struct {
	mu       sync.Mutex
	messages []interface{}
	audio    int
}

func (r *recorder) emit(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, v)
}

func (r *recorder) emitAudio(_ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio++
}

func (r *recorder) snapshot() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recorder) countStates(want wire.VoiceState) int {
	n := 0
	for _, m := range r.snapshot() {
		if sm, ok := m.(wire.VoiceStateMessage); ok && sm.State == want {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func newTestOrchestrator(opts Options) (*Orchestrator, *recorder) {
	rec := &recorder{}
	o := NewOrchestrator(opts, &MockLLM{}, &MockTTS{Chunks: 2}, commons.NewNopLogger(), rec.emit, rec.emitAudio)
	return o, rec
}

func TestOrchestratorBasicTurnReachesSpeakingThenListening(t *testing.T) {
	o, rec := newTestOrchestrator(Options{})
	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: true, Text: "hello there"})

	waitFor(t, time.Second, func() bool { return rec.countStates(wire.VoiceStateSpeaking) >= 1 })
	waitFor(t, time.Second, func() bool { return rec.countStates(wire.VoiceStateListening) >= 1 })

	assert.Equal(t, wire.VoiceStateListening, o.CurrentState())
	assert.True(t, rec.audio > 0, "expected at least one audio frame emitted")
}

func TestOrchestratorInterimDuringListeningIsForwardedNotTriggered(t *testing.T) {
	o, rec := newTestOrchestrator(Options{})
	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: false, Text: "hel"})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, wire.VoiceStateListening, o.CurrentState())
	found := false
	for _, m := range rec.snapshot() {
		if ut, ok := m.(wire.VoiceUserTranscriptMessage); ok && ut.Text == "hel" {
			found = true
		}
	}
	assert.True(t, found, "interim transcript should be forwarded live")
}

func TestOrchestratorBargeInDuringSpeaking(t *testing.T) {
	o, rec := newTestOrchestrator(Options{})
	o.tts = &MockTTS{Chunks: 50, ChunkDelay: 5 * time.Millisecond}

	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: true, Text: "play music"})
	waitFor(t, time.Second, func() bool { return o.CurrentState() == wire.VoiceStateSpeaking })

	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: true, Text: "stop"})

	waitFor(t, time.Second, func() bool {
		for _, m := range rec.snapshot() {
			if ae, ok := m.(wire.VoiceAudioEndMessage); ok && ae.Reason == wire.VoiceAudioEndBargeIn {
				return true
			}
		}
		return false
	})
	assert.Equal(t, wire.VoiceStateListening, o.CurrentState())

	// The barge-in command flushes the suppressed "stop" and starts a new turn from it.
	o.HandleCommand(wire.VoiceCommand{Type: "command", Name: wire.VoiceCommandBargeIn})
	waitFor(t, time.Second, func() bool {
		for _, m := range rec.snapshot() {
			if ut, ok := m.(wire.VoiceUserTranscriptMessage); ok && ut.Suppressed && ut.Text == "stop" {
				return true
			}
		}
		return false
	})
}

func TestOrchestratorStopSpeakingReturnsToListening(t *testing.T) {
	o, _ := newTestOrchestrator(Options{})
	o.tts = &MockTTS{Chunks: 50, ChunkDelay: 5 * time.Millisecond}

	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: true, Text: "tell me a story"})
	waitFor(t, time.Second, func() bool { return o.CurrentState() == wire.VoiceStateSpeaking })

	o.HandleCommand(wire.VoiceCommand{Type: "command", Name: wire.VoiceCommandStopSpeaking})
	waitFor(t, time.Second, func() bool { return o.CurrentState() == wire.VoiceStateListening })
}

func TestOrchestratorResetHistoryClearsPendingTurn(t *testing.T) {
	o, rec := newTestOrchestrator(Options{SystemPrompt: "be concise"})
	o.tts = &MockTTS{Chunks: 50, ChunkDelay: 5 * time.Millisecond}

	o.HandleTranscript(SourceMic, wire.PartialTranscript{IsFinal: true, Text: "hi"})
	waitFor(t, time.Second, func() bool { return o.CurrentState() == wire.VoiceStateSpeaking })

	o.HandleCommand(wire.VoiceCommand{Type: "command", Name: wire.VoiceCommandResetHistory})
	waitFor(t, time.Second, func() bool { return o.CurrentState() == wire.VoiceStateListening })

	assert.Len(t, o.history, 1, "only the system prompt should remain")
	_ = rec
}

func TestOrchestratorMeetingModeRequiresWakeWord(t *testing.T) {
	opts := Options{Meeting: MeetingOptions{
		Enabled: true, RequireWakeWord: true, WakeWords: []string{"assistant"},
		OpenWindowMs: 6000, CooldownMs: 1500,
	}}
	o, rec := newTestOrchestrator(opts)

	o.HandleTranscript(SourceMeeting, wire.PartialTranscript{IsFinal: true, Text: "hello everyone"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, wire.VoiceStateListening, o.CurrentState(), "no wake word: should not trigger")

	o.HandleTranscript(SourceMeeting, wire.PartialTranscript{IsFinal: true, Text: "assistant what is the status"})
	waitFor(t, time.Second, func() bool { return rec.countStates(wire.VoiceStateThinking) >= 1 })
}
