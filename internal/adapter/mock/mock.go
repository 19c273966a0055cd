// Package mock implements a deterministic adapter.Adapter used by
// integration tests and local development without any provider credentials.
// It emits a canned interim for every chunk of audio it receives, a final
// on every third chunk, and a trailing final on End, in the same
// onData/onError/onClose shape every real adapter exposes.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

// Name is this adapter's provider id.
const Name = "mock"

// Adapter is a canned, credential-free implementation of adapter.Adapter.
type Adapter struct {
	log commons.Logger
}

// New builds a mock Adapter. It never fails (ErrMissingCredentials does not
// apply) so local development and CI never need provider secrets.
func New(log commons.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Name() string          { return Name }
func (a *Adapter) SupportsStreaming() bool { return true }
func (a *Adapter) SupportsBatch() bool     { return true }

func (a *Adapter) StartStreaming(ctx context.Context, opts adapter.StreamingOptions) (adapter.StreamingSession, error) {
	s := &session{
		log:      a.log,
		chunks:   0,
		closeCh:  make(chan struct{}),
	}
	return s, nil
}

func (a *Adapter) TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts adapter.StreamingOptions) (adapter.BatchResult, error) {
	if _, err := io.Copy(io.Discard, pcm); err != nil {
		return adapter.BatchResult{}, err
	}
	words := []wire.Word{
		{StartSec: 0, EndSec: 0.4, Text: "mock"},
		{StartSec: 0.4, EndSec: 0.9, Text: "transcript"},
	}
	return adapter.BatchResult{Text: "mock transcript", Words: words}, nil
}

// session implements adapter.StreamingSession and adapter.StreamingController
// on the same value: the mock has no real transport to separate them across.
type session struct {
	mu       sync.Mutex
	log      commons.Logger
	onData   func(wire.PartialTranscript)
	onError  func(error)
	onClose  func()
	chunks   int
	ended    bool
	closed   bool
	closeCh  chan struct{}
}

func (s *session) Controller() adapter.StreamingController { return s }

func (s *session) OnData(cb func(wire.PartialTranscript)) {
	s.mu.Lock()
	s.onData = cb
	s.mu.Unlock()
}

func (s *session) OnError(cb func(error)) {
	s.mu.Lock()
	s.onError = cb
	s.mu.Unlock()
}

func (s *session) OnClose(cb func()) {
	s.mu.Lock()
	s.onClose = cb
	s.mu.Unlock()
}

// SendAudio emits a fixed interim immediately, and a final transcript after
// every third chunk, deterministically, so tests can assert on exact output.
func (s *session) SendAudio(ctx context.Context, chunk adapter.AudioChunk) error {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.chunks++
	n := s.chunks
	cb := s.onData
	s.mu.Unlock()

	if cb == nil {
		return nil
	}
	cb(wire.PartialTranscript{
		Provider:    Name,
		IsFinal:     false,
		Text:        fmt.Sprintf("interim %d", n),
		TimestampMs: float64(time.Now().UnixMilli()),
		Channel:     wire.ChannelMic,
	})
	if n%3 == 0 {
		cb(wire.PartialTranscript{
			Provider:    Name,
			IsFinal:     true,
			Text:        fmt.Sprintf("final segment %d", n/3),
			TimestampMs: float64(time.Now().UnixMilli()),
			Channel:     wire.ChannelMic,
		})
	}
	return nil
}

func (s *session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	cb := s.onData
	n := s.chunks
	s.mu.Unlock()
	if cb != nil && n%3 != 0 {
		cb(wire.PartialTranscript{
			Provider:    Name,
			IsFinal:     true,
			Text:        fmt.Sprintf("final segment %d", n/3+1),
			TimestampMs: float64(time.Now().UnixMilli()),
			Channel:     wire.ChannelMic,
		})
	}
	return nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cb := s.onClose
	close(s.closeCh)
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}
