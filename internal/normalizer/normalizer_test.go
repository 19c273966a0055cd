package normalizer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sttbridge/gateway/internal/wire"
)

func attr(provider, text string, originTs float64) wire.AttributedTranscript {
	return wire.AttributedTranscript{
		PartialTranscript: wire.PartialTranscript{Provider: provider, Text: text},
		OriginCaptureTs:   originTs,
	}
}

func TestWindowBucketing(t *testing.T) {
	n := New(250, nil)
	row := n.Normalize("seg1", attr("mock", "hello", 600))
	assert.Equal(t, int64(2), row.WindowID)
	assert.Equal(t, int64(500), row.WindowStartMs)
	assert.Equal(t, int64(750), row.WindowEndMs)
	assert.Equal(t, 1, row.Revision)
}

func TestRevisionIncrementsWithinWindow(t *testing.T) {
	n := New(250, nil)
	row1 := n.Normalize("seg1", attr("mock", "hel", 600))
	row2 := n.Normalize("seg1", attr("mock", "hello", 600))
	assert.Equal(t, 1, row1.Revision)
	assert.Equal(t, 2, row2.Revision)
	assert.Equal(t, "lo", row2.TextDelta)
}

func TestDifferentProvidersDoNotShareRevisions(t *testing.T) {
	n := New(250, nil)
	row1 := n.Normalize("seg1", attr("providerA", "hi", 600))
	row2 := n.Normalize("seg1", attr("providerB", "hi", 600))
	assert.Equal(t, 1, row1.Revision)
	assert.Equal(t, 1, row2.Revision)
}

func TestPresetLowercaseAndStripPunct(t *testing.T) {
	n := New(250, []string{PresetLowercase, PresetStripPunct})
	row := n.Normalize("seg1", attr("mock", "Hello, World!", 0))
	assert.Equal(t, "hello world", row.TextNorm)
	assert.Equal(t, "Hello, World!", row.TextRaw)
}

func TestWindowEvictionCapsAt600(t *testing.T) {
	n := New(1, nil)
	for i := 0; i < MaxWindows+10; i++ {
		n.Normalize("seg1", attr("mock", fmt.Sprintf("t%d", i), float64(i)))
	}
	assert.LessOrEqual(t, len(n.windows), MaxWindows)
}

func TestEmittedTailCapsAt500(t *testing.T) {
	n := New(1, nil)
	for i := 0; i < MaxEmittedTail+20; i++ {
		n.Normalize("seg1", attr("mock", fmt.Sprintf("t%d", i), float64(i)))
	}
	assert.Len(t, n.EmittedTail(), MaxEmittedTail)
}

func TestDiffMiddle(t *testing.T) {
	assert.Equal(t, "lo", diffMiddle("hel", "hello"))
	assert.Equal(t, "", diffMiddle("hello", "hello"))
	assert.Equal(t, "world", diffMiddle("", "world"))
	assert.Equal(t, "X", diffMiddle("abc", "aXc"))
}
