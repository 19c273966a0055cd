package attributor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sttbridge/gateway/internal/wire"
)

func TestAttributeDequeuesFIFO(t *testing.T) {
	a := New()
	a.Enqueue(1000, 250)
	a.Enqueue(1250, 250)

	got := a.Attribute(wire.PartialTranscript{Text: "first"}, 1100)
	assert.Equal(t, float64(1000), got.OriginCaptureTs)
	assert.Equal(t, float64(100), got.LatencyMs)

	got2 := a.Attribute(wire.PartialTranscript{Text: "second"}, 1600)
	assert.Equal(t, float64(1250), got2.OriginCaptureTs)
	assert.Equal(t, float64(350), got2.LatencyMs)
}

func TestAttributeExtrapolatesWhenQueueEmpty(t *testing.T) {
	a := New()
	a.Enqueue(1000, 250)
	_ = a.Attribute(wire.PartialTranscript{}, 1050)

	got := a.Attribute(wire.PartialTranscript{}, 2000)
	assert.Equal(t, float64(1250), got.OriginCaptureTs)

	got2 := a.Attribute(wire.PartialTranscript{}, 2000)
	assert.Equal(t, float64(1500), got2.OriginCaptureTs)
}

func TestAttributeLatencyNeverNegative(t *testing.T) {
	a := New()
	a.Enqueue(5000, 250)
	got := a.Attribute(wire.PartialTranscript{}, 4000)
	assert.GreaterOrEqual(t, got.LatencyMs, float64(0))
}

func TestAttributeWithNoEnqueueEverUsesNow(t *testing.T) {
	a := New()
	got := a.Attribute(wire.PartialTranscript{}, 42)
	assert.Equal(t, float64(42), got.OriginCaptureTs)
	assert.Equal(t, float64(0), got.LatencyMs)
}
