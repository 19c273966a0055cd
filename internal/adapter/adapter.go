// Package adapter defines the Provider Adapter capability set that
// every STT backend implements, plus a small process-wide registry the HTTP
// layer and Voice Orchestrator use to look providers up by id. Each backend
// lives in its own sub-package with one constructor and implements this one
// small interface.
package adapter

import (
	"context"
	"errors"
	"io"

	"github.com/sttbridge/gateway/internal/wire"
)

// Errors common to every adapter implementation.
var (
	ErrMissingCredentials = errors.New("adapter: missing credentials")
	ErrInvalidSampleRate   = errors.New("adapter: invalid sample rate")
	ErrConnectTimeout      = errors.New("adapter: connect timeout")
	ErrStreamClosed        = errors.New("adapter: stream closed abnormally")
)

// VADOptions mirrors wire.VADOptions at the adapter boundary so adapters do
// not need to import the wire package's JSON tags.
type VADOptions struct {
	SilenceDurationMs int
	PrefixPaddingMs   int
	Threshold         float64
}

// StreamingOptions configures a streaming session.
type StreamingOptions struct {
	Language          string
	SampleRateHz      int
	Encoding          string // "linear16"
	EnableInterim     bool
	EnableVad         bool
	Vad               *VADOptions
	ContextPhrases    []string
	DictionaryPhrases []string
	PunctuationPolicy string
	Model             string
	BatchModel        string
	FallbackModel     string
	NormalizePreset   string
}

// AudioChunk is what the session handler feeds into a streaming session's
// sendAudio, carrying the capture meta the Attributor needs.
type AudioChunk struct {
	Payload    []byte
	CaptureTs  float64
	DurationMs float32
	Seq        uint32
}

// StreamingController is the write/lifecycle half of a StreamingSession.
type StreamingController interface {
	// SendAudio enqueues a PCM chunk. Implementations serialize sends per
	// session to preserve audio order.
	SendAudio(ctx context.Context, chunk AudioChunk) error
	// End signals no more audio will arrive; forces a final commit.
	End(ctx context.Context) error
	// Close tears the session down, releasing any underlying socket.
	Close(ctx context.Context) error
}

// StreamingSession is the read half: a live provider session delivering
// PartialTranscript events until closed or errored.
type StreamingSession interface {
	Controller() StreamingController
	// OnData registers the transcript callback. Must be called before any
	// audio is sent.
	OnData(cb func(wire.PartialTranscript))
	// OnError registers the fatal-error callback.
	OnError(cb func(error))
	// OnClose registers the normal-close callback.
	OnClose(cb func())
}

// BatchResult is the outcome of transcribeFileFromPCM.
type BatchResult struct {
	Text  string
	Words []wire.Word
}

// RateMandating is implemented by adapters that require audio at a fixed
// sample rate regardless of what the client declares (e.g. wsrealtime's
// 24kHz requirement). The session and
// replay handlers use it to decide whether the Resampler needs to run
// ahead of this adapter; an adapter that does not implement it is assumed to
// accept whatever rate the client streams at.
type RateMandating interface {
	MandatedSampleRate() int
}

// Adapter is the polymorphic capability set every STT backend implements.
type Adapter interface {
	Name() string
	SupportsStreaming() bool
	SupportsBatch() bool
	// StartStreaming opens a new StreamingSession under opts.
	StartStreaming(ctx context.Context, opts StreamingOptions) (StreamingSession, error)
	// TranscribeFileFromPCM runs a one-shot batch transcription over the pcm
	// stream, which is assumed to already be at opts.SampleRateHz, mono,
	// linear16. Implementations may bound the read with idle/hard timers.
	TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts StreamingOptions) (BatchResult, error)
}

// Registry is a process-wide lookup of configured adapters by provider id.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from the given provider-id -> Adapter map.
func NewRegistry(adapters map[string]Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Get returns the adapter registered under id, or false if unknown.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns every registered provider id.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
