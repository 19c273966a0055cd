package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStripWakeWordRequiresWordBoundary(t *testing.T) {
	_, ok := stripWakeWord("aiden please", []string{"ai"})
	assert.False(t, ok, `"aiden" must not match wake word "ai"`)

	rest, ok := stripWakeWord("ai, help", []string{"ai"})
	assert.True(t, ok)
	assert.Equal(t, ", help", rest)
}

func TestMeetingGateWakeWordWindow(t *testing.T) {
	g := newMeetingGate(MeetingOptions{
		RequireWakeWord: true,
		WakeWords:       []string{"assistant"},
		OpenWindowMs:    6000,
		CooldownMs:      1500,
	})
	base := time.Unix(0, 0)

	res := g.shouldTrigger(base, "hello")
	assert.False(t, res.Trigger, "no wake word yet")

	res = g.shouldTrigger(base.Add(2*time.Second), "assistant what is the status")
	assert.True(t, res.Trigger)
	assert.True(t, res.WindowOpen)

	res = g.shouldTrigger(base.Add(5*time.Second), "any blockers")
	assert.True(t, res.Trigger, "within open window, no wake word needed")

	res = g.shouldTrigger(base.Add(13*time.Second), "thanks")
	assert.False(t, res.Trigger, "window should have expired by t=13s (opened to t=11s)")
}

func TestMeetingGateEchoSuppression(t *testing.T) {
	g := newMeetingGate(MeetingOptions{EchoSuppressMs: 3000, EchoSimilarity: 0.8})
	base := time.Unix(0, 0)
	g.noteAssistantUtterance(base, "turn off the lights")

	res := g.shouldTrigger(base.Add(1*time.Second), "turn off the lights")
	assert.True(t, res.Echo, "near-identical text within the echo window should be dropped")

	res = g.shouldTrigger(base.Add(5*time.Second), "turn off the lights")
	assert.False(t, res.Echo, "same text outside the echo window should pass")
	assert.True(t, res.Trigger)
}

func TestBigramJaccardIdenticalIsOne(t *testing.T) {
	assert.Equal(t, 1.0, bigramJaccard("hello world", "hello world"))
}

func TestBigramJaccardDistinctIsLow(t *testing.T) {
	sim := bigramJaccard("turn off the lights", "what's the weather today")
	assert.Less(t, sim, 0.3)
}
