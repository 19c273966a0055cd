// Package httpbatch implements the HTTP-Batch provider adapter:
// it collects an inbound PCM stream into memory, wraps it as a 44-byte
// RIFF/WAVE PCM16 mono file, and POSTs a multipart transcription request
// using github.com/go-resty/resty/v2.
package httpbatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
	"github.com/sttbridge/gateway/pkg/utils"
)

const (
	// IdleTimeout aborts the fetch if no input stream activity is seen for
	// this long.
	IdleTimeout = 30 * time.Second
	// HardTimeout bounds the overall operation regardless of activity.
	HardTimeout = 5 * time.Minute

	bytesPerSample = 2
	pcmFormatTag   = 1
	endpoint       = "https://api.openai.com/v1/audio/transcriptions"
)

// Adapter is the batch-only HTTP transcription adapter.
type Adapter struct {
	apiKey string
	client *resty.Client
	log    commons.Logger
}

// New builds an httpbatch Adapter.
func New(apiKey string, log commons.Logger) *Adapter {
	return &Adapter{
		apiKey: apiKey,
		client: resty.New().SetBaseURL(endpoint),
		log:    log,
	}
}

func (a *Adapter) Name() string            { return "httpBatch" }
func (a *Adapter) SupportsStreaming() bool { return false }
func (a *Adapter) SupportsBatch() bool     { return true }

func (a *Adapter) StartStreaming(ctx context.Context, opts adapter.StreamingOptions) (adapter.StreamingSession, error) {
	return nil, fmt.Errorf("httpbatch: %w", errUnsupportedStreaming)
}

var errUnsupportedStreaming = fmt.Errorf("streaming not supported by this adapter")

// transcriptionResponse covers both the flat and segmented response shapes
// the API can return depending on response_format.
type transcriptionResponse struct {
	Text  string `json:"text"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	} `json:"segments"`
}

func (r transcriptionResponse) toWords() []wire.Word {
	var out []wire.Word
	for _, w := range r.Words {
		out = append(out, wire.Word{StartSec: w.Start, EndSec: w.End, Text: w.Word})
	}
	for _, seg := range r.Segments {
		for _, w := range seg.Words {
			out = append(out, wire.Word{StartSec: w.Start, EndSec: w.End, Text: w.Word})
		}
	}
	return out
}

// TranscribeFileFromPCM collects the pcm stream under the idle and hard
// timers, wraps the result as a WAV file, and POSTs it, with a single
// primary->fallback model retry when the two differ and the primary
// attempt is non-2xx.
func (a *Adapter) TranscribeFileFromPCM(ctx context.Context, pcm io.Reader, opts adapter.StreamingOptions) (adapter.BatchResult, error) {
	if utils.IsEmpty(a.apiKey) {
		return adapter.BatchResult{}, adapter.ErrMissingCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, HardTimeout)
	defer cancel()

	collector := NewInputCollector(func(error) { cancel() })
	buf := make([]byte, 32*1024)
	for {
		n, rerr := pcm.Read(buf)
		if n > 0 {
			collector.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return adapter.BatchResult{}, fmt.Errorf("httpbatch: read input: %w", rerr)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if reason := collector.AbortReason(); reason != nil {
		return adapter.BatchResult{}, reason
	}

	wav := wrapWAV(collector.Bytes(), opts.SampleRateHz)

	model := opts.BatchModel
	if utils.IsEmpty(model) {
		model = "whisper-1"
	}
	res, err := a.post(ctx, wav, model, opts)
	if err == nil {
		return res, nil
	}
	if utils.IsEmpty(opts.FallbackModel) || opts.FallbackModel == model {
		return adapter.BatchResult{}, err
	}
	a.log.Warnf("httpbatch: primary model %q failed (%v), retrying with fallback %q", model, err, opts.FallbackModel)
	return a.post(ctx, wav, opts.FallbackModel, opts)
}

func (a *Adapter) post(ctx context.Context, wav []byte, model string, opts adapter.StreamingOptions) (adapter.BatchResult, error) {
	responseFormat := "json"
	if isVerboseModel(model) {
		responseFormat = "verbose_json"
	}

	req := a.client.R().
		SetContext(ctx).
		SetAuthToken(a.apiKey).
		SetFileReader("file", "audio.wav", bytes.NewReader(wav)).
		SetFormData(map[string]string{
			"model":             model,
			"chunking_strategy": "auto",
			"response_format":   responseFormat,
		})
	if !utils.IsEmpty(opts.Language) {
		req.SetFormData(map[string]string{"language": opts.Language})
	}
	prompt := joinPhrases(opts.ContextPhrases)
	if !utils.IsEmpty(prompt) {
		req.SetFormData(map[string]string{"prompt": prompt})
	}

	resp, err := req.Post("")
	if err != nil {
		return adapter.BatchResult{}, fmt.Errorf("httpbatch: request: %w", err)
	}
	if resp.IsError() {
		return adapter.BatchResult{}, fmt.Errorf("httpbatch: provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return adapter.BatchResult{}, fmt.Errorf("httpbatch: decode response: %w", err)
	}
	return adapter.BatchResult{Text: parsed.Text, Words: parsed.toWords()}, nil
}

func isVerboseModel(model string) bool {
	return model == "whisper-1"
}

func joinPhrases(phrases []string) string {
	out := ""
	for i, p := range phrases {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// wrapWAV builds a 44-byte RIFF/WAVE PCM16 mono header in front of pcm.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	const channels = 1
	byteRate := sampleRate * channels * bytesPerSample

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bytesPerSample*8))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// InputCollector buffers an inbound PCM stream and enforces the idle and
// hard timers; TranscribeFileFromPCM feeds it audio and,
// on either timer firing, the stream is torn down with the timer's reason.
type InputCollector struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	lastActive time.Time
	clock      func() time.Time

	idleTimer *time.Timer
	hardTimer *time.Timer
	abortCh   chan error
	onAbort   func(error)
}

// NewInputCollector starts the hard timer immediately; the idle timer arms
// on the first Write.
func NewInputCollector(onAbort func(error)) *InputCollector {
	c := &InputCollector{clock: time.Now, onAbort: onAbort, abortCh: make(chan error, 1)}
	c.hardTimer = time.AfterFunc(HardTimeout, func() { c.abort(fmt.Errorf("httpbatch: hard timer (%s) expired", HardTimeout)) })
	return c
}

// Write appends pcm and resets the idle timer.
func (c *InputCollector) Write(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(pcm)
	c.lastActive = c.clock()
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(IdleTimeout, func() { c.abort(fmt.Errorf("httpbatch: idle timer (%s) expired", IdleTimeout)) })
	} else {
		c.idleTimer.Reset(IdleTimeout)
	}
}

// Bytes returns a copy of the buffered PCM and stops both timers.
func (c *InputCollector) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.hardTimer.Stop()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func (c *InputCollector) abort(reason error) {
	select {
	case c.abortCh <- reason:
	default:
	}
	if c.onAbort != nil {
		c.onAbort(reason)
	}
}

// AbortReason reports the first timer expiry, or nil if neither fired.
func (c *InputCollector) AbortReason() error {
	select {
	case reason := <-c.abortCh:
		return reason
	default:
		return nil
	}
}
