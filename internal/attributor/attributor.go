// Package attributor implements the Capture-Timestamp Attributor: it
// aligns a provider transcript event to the capture time of the audio it
// most likely describes, using a FIFO queue of outbound sendAudio meta with
// an extrapolation fallback when the queue has drained.
package attributor

import (
	"sync"

	"github.com/sttbridge/gateway/internal/wire"
)

// entry is one enqueued sendAudio meta record.
type entry struct {
	captureTs  float64
	durationMs float32
}

// Attributor is safe for concurrent Enqueue/Attribute calls from the
// ingress writer goroutine and the adapter's onData callback respectively.
type Attributor struct {
	mu    sync.Mutex
	queue []entry
	nextTs float64
	lastDurationMs float64
	haveAttributed bool
}

// New builds an empty Attributor.
func New() *Attributor {
	return &Attributor{}
}

// Enqueue records the meta of an audio chunk as it is sent to the adapter.
func (a *Attributor) Enqueue(captureTs float64, durationMs float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, entry{captureTs: captureTs, durationMs: durationMs})
}

// Attribute dequeues the oldest queue entry and returns an
// AttributedTranscript with originCaptureTs set from it and latencyMs
// computed against now. If the queue is empty, it extrapolates from the
// previous attribution by advancing nextTs by durationMs.
func (a *Attributor) Attribute(p wire.PartialTranscript, now float64) wire.AttributedTranscript {
	a.mu.Lock()
	defer a.mu.Unlock()

	var originTs float64
	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = a.queue[1:]
		originTs = head.captureTs
		a.nextTs = head.captureTs + float64(head.durationMs)
		a.lastDurationMs = float64(head.durationMs)
		a.haveAttributed = true
	} else if a.haveAttributed {
		originTs = a.nextTs
		step := a.lastDurationMs
		if step <= 0 {
			step = defaultExtrapolationStepMs
		}
		a.nextTs += step
	} else {
		// Nothing has ever been enqueued; fall back to now so latency reads
		// as zero rather than an undefined negative value.
		originTs = now
		a.haveAttributed = true
		a.nextTs = now
	}

	if originTs > now {
		originTs = now
	}
	latency := now - originTs
	if latency < 0 {
		latency = 0
	}
	return wire.AttributedTranscript{
		PartialTranscript: p,
		LatencyMs:         latency,
		OriginCaptureTs:   originTs,
	}
}

// defaultExtrapolationStepMs is used when extrapolating past an empty queue
// and no chunk duration is known for the step, matching the typical ingress
// chunk size used elsewhere in the gateway (the Stream Normalizer's default
// bucketMs).
const defaultExtrapolationStepMs = 250
