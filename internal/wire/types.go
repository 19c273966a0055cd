// Package wire defines the JSON data model exchanged with the browser
// client plus
// the provider-facing PartialTranscript/AttributedTranscript types each
// pipeline stage passes to the next.
package wire

// Channel identifies which audio source a transcript belongs to.
type Channel string

const (
	ChannelMic  Channel = "mic"
	ChannelFile Channel = "file"
)

// VADOptions configures provider-side voice-activity-detection commits.
type VADOptions struct {
	SilenceDurationMs int     `json:"silenceDurationMs,omitempty"`
	PrefixPaddingMs   int     `json:"prefixPaddingMs,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
}

// StreamingOptionsWire is the "options" sub-object of StreamingConfig.
type StreamingOptionsWire struct {
	PunctuationPolicy       string      `json:"punctuationPolicy,omitempty"`
	EnableVad               bool        `json:"enableVad,omitempty"`
	DictionaryPhrases       []string    `json:"dictionaryPhrases,omitempty"`
	Parallel                bool        `json:"parallel,omitempty"`
	Vad                     *VADOptions `json:"vad,omitempty"`
	MeetingMode             bool        `json:"meetingMode,omitempty"`
	WakeWords               []string    `json:"wakeWords,omitempty"`
	MeetingRequireWakeWord  bool        `json:"meetingRequireWakeWord,omitempty"`
	FinalizeDelayMs         int         `json:"finalizeDelayMs,omitempty"`
	EchoSuppressMs          int         `json:"echoSuppressMs,omitempty"`
	EchoSimilarity          float64     `json:"echoSimilarity,omitempty"`
	MeetingOpenWindowMs     int         `json:"meetingOpenWindowMs,omitempty"`
	MeetingCooldownMs       int         `json:"meetingCooldownMs,omitempty"`
	MeetingOutputEnabled    bool        `json:"meetingOutputEnabled,omitempty"`
}

// StreamingConfig is the first client->server message on every WS endpoint.
type StreamingConfig struct {
	Pcm               bool                  `json:"pcm"`
	ClientSampleRate  int                   `json:"clientSampleRate"`
	EnableInterim     bool                  `json:"enableInterim"`
	Degraded          bool                  `json:"degraded"`
	NormalizePreset   string                `json:"normalizePreset,omitempty"`
	ContextPhrases    []string              `json:"contextPhrases,omitempty"`
	Options           *StreamingOptionsWire `json:"options,omitempty"`
}

// Word is a single timed token inside a transcript.
type Word struct {
	StartSec   float64  `json:"startSec"`
	EndSec     float64  `json:"endSec"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// PartialTranscript is what a provider adapter emits.
type PartialTranscript struct {
	Provider           string   `json:"provider"`
	IsFinal            bool     `json:"isFinal"`
	Text               string   `json:"text"`
	Words              []Word   `json:"words,omitempty"`
	TimestampMs        float64  `json:"timestamp"`
	Channel            Channel  `json:"channel"`
	SpeakerID          string   `json:"speakerId,omitempty"`
	Confidence         *float64 `json:"confidence,omitempty"`
	PunctuationApplied bool     `json:"punctuationApplied,omitempty"`
	CasingApplied      bool     `json:"casingApplied,omitempty"`
}

// Signature returns the dedup key channel:isFinal:text.
func (p PartialTranscript) Signature() string {
	final := "0"
	if p.IsFinal {
		final = "1"
	}
	return string(p.Channel) + ":" + final + ":" + p.Text
}

// AttributedTranscript is a PartialTranscript enriched with latency.
type AttributedTranscript struct {
	PartialTranscript
	LatencyMs       float64 `json:"latencyMs"`
	OriginCaptureTs float64 `json:"originCaptureTs"`
	Degraded        bool    `json:"degraded"`
}

// NormalizedRow is emitted by the Stream Normalizer.
type NormalizedRow struct {
	NormalizedID    string   `json:"normalizedId"`
	SegmentID       string   `json:"segmentId"`
	WindowID        int64    `json:"windowId"`
	WindowStartMs   int64    `json:"windowStartMs"`
	WindowEndMs     int64    `json:"windowEndMs"`
	Provider        string   `json:"provider"`
	TextRaw         string   `json:"textRaw"`
	TextNorm        string   `json:"textNorm"`
	TextDelta       string   `json:"textDelta,omitempty"`
	IsFinal         bool     `json:"isFinal"`
	Revision        int      `json:"revision"`
	LatencyMs       *float64 `json:"latencyMs,omitempty"`
	OriginCaptureTs *float64 `json:"originCaptureTs,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	PunctuationApplied bool  `json:"punctuationApplied,omitempty"`
	CasingApplied      bool  `json:"casingApplied,omitempty"`
	Words           []Word   `json:"words,omitempty"`
}

// AudioSpec describes the PCM layout the server commits to on session start.
type AudioSpec struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// ServerMessage tags are the `type` discriminators sent server->client.
const (
	TypeSession             = "session"
	TypeTranscript           = "transcript"
	TypeNormalized           = "normalized"
	TypeError                = "error"
	TypeVoiceSession         = "voice_session"
	TypeVoiceState           = "voice_state"
	TypeVoiceUserTranscript  = "voice_user_transcript"
	TypeVoiceAssistantText   = "voice_assistant_text"
	TypeVoiceAudioStart      = "voice_assistant_audio_start"
	TypeVoiceAudioEnd        = "voice_assistant_audio_end"
	TypeVoiceMeetingWindow   = "voice_meeting_window"
	TypePing                 = "ping"
)

// SessionMessage is the single per-connection "session" announcement.
type SessionMessage struct {
	Type             string    `json:"type"`
	SessionID        string    `json:"sessionId"`
	Provider         string    `json:"provider"`
	StartedAt        int64     `json:"startedAt"`
	InputSampleRate  int       `json:"inputSampleRate"`
	AudioSpec        AudioSpec `json:"audioSpec"`
}

// TranscriptMessage is the "transcript" server->client message.
type TranscriptMessage struct {
	Type            string   `json:"type"`
	Provider        string   `json:"provider"`
	IsFinal         bool     `json:"isFinal"`
	Text            string   `json:"text"`
	Words           []Word   `json:"words,omitempty"`
	TimestampMs     float64  `json:"timestamp"`
	Channel         Channel  `json:"channel"`
	LatencyMs       float64  `json:"latencyMs"`
	OriginCaptureTs float64  `json:"originCaptureTs"`
	SpeakerID       string   `json:"speakerId,omitempty"`
	Degraded        *bool    `json:"degraded,omitempty"`
}

// NormalizedMessage is the "normalized" server->client message.
type NormalizedMessage struct {
	Type string `json:"type"`
	NormalizedRow
}

// ErrorMessage is the "error" server->client message.
type ErrorMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// VoiceCommand is a client->server voice control message.
type VoiceCommand struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	PlayedMs int    `json:"playedMs,omitempty"`
}

// PongMessage is the client->server keepalive reply.
type PongMessage struct {
	Type string `json:"type"`
}

// PingMessage is the voice session's control-channel keepalive probe,
// answered by the client with a PongMessage.
type PingMessage struct {
	Type string `json:"type"`
}

// Voice command names recognized in VoiceCommand.Name.
const (
	VoiceCommandStopSpeaking = "stop_speaking"
	VoiceCommandBargeIn      = "barge_in"
	VoiceCommandResetHistory = "reset_history"
)

// VoiceState is the Voice Dialogue Orchestrator's turn state.
type VoiceState string

const (
	VoiceStateListening VoiceState = "listening"
	VoiceStateThinking  VoiceState = "thinking"
	VoiceStateSpeaking  VoiceState = "speaking"
)

// VoiceSessionMessage announces a voice-mode connection, mirroring
// SessionMessage for the realtime/replay handlers.
type VoiceSessionMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	StartedAt   int64  `json:"startedAt"`
	MeetingMode bool   `json:"meetingMode,omitempty"`
}

// VoiceStateMessage announces a turn-state transition.
type VoiceStateMessage struct {
	Type   string     `json:"type"`
	State  VoiceState `json:"state"`
	TurnID string     `json:"turnId,omitempty"`
}

// VoiceUserTranscriptMessage forwards an STT transcript through the voice
// pipeline; Suppressed is set when the transcript is being replayed
// from the suppression buffer rather than forwarded live.
type VoiceUserTranscriptMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Source     string  `json:"source"` // "mic" | "meeting"
	Suppressed bool    `json:"suppressed,omitempty"`
	TurnID     string  `json:"turnId,omitempty"`
}

// VoiceAssistantTextMessage streams the assistant's LLM reply text.
type VoiceAssistantTextMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
	Done   bool   `json:"done"`
}

// VoiceAudioEndReason explains why TTS playback stopped.
type VoiceAudioEndReason string

const (
	VoiceAudioEndCompleted VoiceAudioEndReason = "completed"
	VoiceAudioEndBargeIn   VoiceAudioEndReason = "barge_in"
	VoiceAudioEndStopped   VoiceAudioEndReason = "stopped"
	VoiceAudioEndError     VoiceAudioEndReason = "error"
)

// VoiceAudioStartMessage announces the first TTS PCM chunk for a turn.
type VoiceAudioStartMessage struct {
	Type       string `json:"type"`
	TurnID     string `json:"turnId"`
	SampleRate int    `json:"sampleRate"`
}

// VoiceAudioEndMessage announces TTS playback has stopped, and why.
type VoiceAudioEndMessage struct {
	Type   string               `json:"type"`
	TurnID string               `json:"turnId"`
	Reason VoiceAudioEndReason  `json:"reason"`
}

// MeetingWindowState is the open/closed transition reported in
// VoiceMeetingWindowMessage.
type MeetingWindowState string

const (
	MeetingWindowOpened MeetingWindowState = "opened"
	MeetingWindowClosed MeetingWindowState = "closed"
)

// VoiceMeetingWindowMessage announces a meeting-mode wake-word window
// opening or closing.
type VoiceMeetingWindowMessage struct {
	Type      string              `json:"type"`
	State     MeetingWindowState  `json:"state"`
	ExpiresAt int64               `json:"expiresAt,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}
