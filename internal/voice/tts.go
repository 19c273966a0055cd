package voice

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sttbridge/gateway/pkg/commons"
)

// ttsChunkBytes is the size of each PCM chunk pushed to the TTSStreamer
// output channel. Small enough that barge-in cuts playback within one
// chunk of audio.
const ttsChunkBytes = 3200 // 100ms @ 16kHz mono 16-bit

// TTSStreamer synthesizes text to streamed mono 16-bit PCM. Cancelling ctx
// stops synthesis and closes the returned channel (barge-in / stop_speaking).
type TTSStreamer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	SampleRate() int
}

// openAITTS drives github.com/openai/openai-go's audio-speech endpoint
// requesting raw PCM, the same SDK the gateway already carries for the
// WS-Realtime adapter's naming conventions — here exercised as a plain
// streamed REST download, no custom protocol needed.
type openAITTS struct {
	client     openai.Client
	model      string
	voice      string
	sampleRate int
	log        commons.Logger
}

// NewOpenAITTS builds a TTSStreamer backed by the Audio Speech API,
// requesting the "pcm" response format so output needs no decoding before
// being forwarded as binary WS frames.
func NewOpenAITTS(apiKey, model, voiceName string, log commons.Logger) TTSStreamer {
	if model == "" {
		model = "tts-1"
	}
	if voiceName == "" {
		voiceName = "alloy"
	}
	return &openAITTS{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		voice:      voiceName,
		sampleRate: 24000, // the provider's PCM response format is fixed at 24kHz.
		log:        log,
	}
}

func (t *openAITTS) SampleRate() int { return t.sampleRate }

func (t *openAITTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	resp, err := t.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(t.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(t.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("voice: tts request: %w", err)
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		r := bufio.NewReaderSize(resp.Body, ttsChunkBytes)
		buf := make([]byte, ttsChunkBytes)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					t.log.Warnf("voice: tts stream read: %v", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// MockTTS is a deterministic, credential-free TTSStreamer for tests and
// local development: it emits a fixed number of silence chunks spaced by a
// short delay, enough to exercise the speaking-state machine without a
// network call.
type MockTTS struct {
	Chunks     int
	ChunkDelay time.Duration
	Rate       int
}

func (m *MockTTS) SampleRate() int {
	if m.Rate == 0 {
		return 16000
	}
	return m.Rate
}

func (m *MockTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	n := m.Chunks
	if n == 0 {
		n = 3
	}
	out := make(chan []byte, n)
	go func() {
		defer close(out)
		silence := make([]byte, ttsChunkBytes)
		for i := 0; i < n; i++ {
			select {
			case out <- silence:
			case <-ctx.Done():
				return
			}
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
