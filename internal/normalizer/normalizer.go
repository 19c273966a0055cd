// Package normalizer implements the Stream Normalizer: it buckets
// attributed transcripts into fixed-width time windows per provider, applies
// an optional text-cleanup preset, tracks revisions within a window, and
// caps its own memory by evicting the oldest windows.
package normalizer

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/utils"
)

// MaxWindows is the in-memory window-map cap; the smallest window id is
// evicted once this is exceeded.
const MaxWindows = 600

// MaxEmittedTail is the cap on the emitted-row tail kept for inspection
// (e.g. by the replay/compare handlers); oldest rows are dropped first.
const MaxEmittedTail = 500

type windowKey struct {
	windowID int64
	provider string
}

type windowState struct {
	revision int
	textNorm string
}

// Normalizer is safe for concurrent use by one session's per-provider
// transcript streams; callers external to the session should not share one
// instance across sessions.
type Normalizer struct {
	bucketMs int64
	preset   []string

	mu      sync.Mutex
	windows map[windowKey]*windowState
	order   []windowKey // live window keys in insertion order
	emitted []wire.NormalizedRow
}

// New builds a Normalizer. bucketMs is typically the audio chunk size
// (e.g. 250ms); preset is parsed with ParsePreset.
func New(bucketMs int64, preset []string) *Normalizer {
	return &Normalizer{
		bucketMs: bucketMs,
		preset:   preset,
		windows:  make(map[windowKey]*windowState),
	}
}

// Normalize consumes one AttributedTranscript, updates window/revision
// state, and returns the emitted NormalizedRow.
func (n *Normalizer) Normalize(segmentID string, t wire.AttributedTranscript) wire.NormalizedRow {
	n.mu.Lock()
	defer n.mu.Unlock()

	windowID := int64(t.OriginCaptureTs) / n.bucketMs
	windowStart := windowID * n.bucketMs
	windowEnd := windowStart + n.bucketMs

	textNorm := Apply(t.Text, n.preset)

	key := windowKey{windowID: windowID, provider: t.Provider}
	state, exists := n.windows[key]
	revision := 1
	delta := ""
	if exists {
		revision = state.revision + 1
		delta = diffMiddle(state.textNorm, textNorm)
	} else {
		n.order = append(n.order, key)
	}
	n.windows[key] = &windowState{revision: revision, textNorm: textNorm}
	n.evictIfNeededLocked()

	row := wire.NormalizedRow{
		NormalizedID:       uuid.NewString(),
		SegmentID:          segmentID,
		WindowID:           windowID,
		WindowStartMs:      windowStart,
		WindowEndMs:        windowEnd,
		Provider:           t.Provider,
		TextRaw:            t.Text,
		TextNorm:           textNorm,
		TextDelta:          delta,
		IsFinal:            t.IsFinal,
		Revision:           revision,
		LatencyMs:          utils.Ptr(t.LatencyMs),
		OriginCaptureTs:    utils.Ptr(t.OriginCaptureTs),
		Confidence:         t.Confidence,
		PunctuationApplied: t.PunctuationApplied,
		CasingApplied:      t.CasingApplied,
		Words:              t.Words,
	}
	n.appendEmittedLocked(row)
	return row
}

func (n *Normalizer) evictIfNeededLocked() {
	for len(n.order) > MaxWindows {
		idx := 0
		for i, k := range n.order {
			if k.windowID < n.order[idx].windowID {
				idx = i
			}
		}
		oldest := n.order[idx]
		n.order = append(n.order[:idx], n.order[idx+1:]...)
		delete(n.windows, oldest)
	}
}

func (n *Normalizer) appendEmittedLocked(row wire.NormalizedRow) {
	n.emitted = append(n.emitted, row)
	if len(n.emitted) > MaxEmittedTail {
		n.emitted = n.emitted[len(n.emitted)-MaxEmittedTail:]
	}
}

// EmittedTail returns a copy of the currently retained emitted rows.
func (n *Normalizer) EmittedTail() []wire.NormalizedRow {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.NormalizedRow, len(n.emitted))
	copy(out, n.emitted)
	return out
}

// diffMiddle returns the longest-common-prefix-suffixed diff of newText vs
// oldText: the substring of newText remaining after stripping the common
// leading and trailing runs shared with oldText. It operates
// on runes so multi-byte characters are never split.
func diffMiddle(oldText, newText string) string {
	oldR := []rune(oldText)
	newR := []rune(newText)

	prefix := 0
	for prefix < len(oldR) && prefix < len(newR) && oldR[prefix] == newR[prefix] {
		prefix++
	}

	suffix := 0
	maxSuffix := min(len(oldR)-prefix, len(newR)-prefix)
	for suffix < maxSuffix && oldR[len(oldR)-1-suffix] == newR[len(newR)-1-suffix] {
		suffix++
	}

	start := prefix
	end := len(newR) - suffix
	if end < start {
		end = start
	}
	return string(newR[start:end])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Key formats a window key for diagnostics/logging.
func (k windowKey) String() string {
	return fmt.Sprintf("%d:%s", k.windowID, k.provider)
}
