package voice

import (
	"strings"
	"sync"
	"time"
)

// meetingGate tracks the wake-word window/cooldown and echo-suppression
// state for the meeting-audio source. It holds no reference to the
// orchestrator so it can be unit tested in isolation. The mutex covers the
// window-timer callback racing the transcript path.
type meetingGate struct {
	wakeWords       []string
	requireWake     bool
	openWindow      time.Duration
	cooldown        time.Duration
	echoWindow      time.Duration
	echoSimilarity  float64

	mu              sync.Mutex
	windowExpiresAt time.Time
	cooldownUntil   time.Time

	lastAssistantText string
	lastAssistantAt   time.Time
}

func newMeetingGate(cfg MeetingOptions) *meetingGate {
	return &meetingGate{
		wakeWords:      cfg.WakeWords,
		requireWake:    cfg.RequireWakeWord,
		openWindow:     durationOrDefault(cfg.OpenWindowMs, 6000),
		cooldown:       durationOrDefault(cfg.CooldownMs, 1500),
		echoWindow:     durationOrDefault(cfg.EchoSuppressMs, 3000),
		echoSimilarity: similarityOrDefault(cfg.EchoSimilarity, 0.8),
	}
}

func durationOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func similarityOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// gateResult is what shouldTrigger reports about one meeting-source final.
type gateResult struct {
	Trigger    bool
	Echo       bool
	WindowOpen bool // true if this call opened or extended the wake window
}

// shouldTrigger decides whether a meeting-source final transcript (at time
// now) should start (or continue) a voice turn, applying, in order: echo
// suppression, cooldown, and wake-word/window gating.
func (g *meetingGate) shouldTrigger(now time.Time, text string) gateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isEchoLocked(now, text) {
		return gateResult{Echo: true}
	}
	if !g.requireWake {
		return gateResult{Trigger: true}
	}
	if now.Before(g.cooldownUntil) {
		return gateResult{}
	}
	if now.Before(g.windowExpiresAt) {
		g.windowExpiresAt = now.Add(g.openWindow)
		return gateResult{Trigger: true, WindowOpen: true}
	}
	if stripped, ok := stripWakeWord(text, g.wakeWords); ok {
		_ = stripped
		g.windowExpiresAt = now.Add(g.openWindow)
		return gateResult{Trigger: true, WindowOpen: true}
	}
	return gateResult{}
}

// wouldTrigger is shouldTrigger without the side effects: it peeks whether a
// meeting final would pass wake/window/cooldown gating right now, used to
// decide whether meeting speech may barge in on an active turn.
func (g *meetingGate) wouldTrigger(now time.Time, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.requireWake {
		return true
	}
	if now.Before(g.cooldownUntil) {
		return false
	}
	if now.Before(g.windowExpiresAt) {
		return true
	}
	_, ok := stripWakeWord(text, g.wakeWords)
	return ok
}

// windowExpiry reports when the current wake-word window lapses (zero when
// no window is open).
func (g *meetingGate) windowExpiry() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowExpiresAt
}

// closeWindow ends the current wake-word window early (timeout or
// reset_history) and arms the post-window cooldown.
func (g *meetingGate) closeWindow(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeWindowLocked(now)
}

func (g *meetingGate) closeWindowLocked(now time.Time) {
	g.windowExpiresAt = time.Time{}
	g.cooldownUntil = now.Add(g.cooldown)
}

// expireIfNeeded closes the window if it has timed out, reporting true if a
// close happened so the caller can emit voice_meeting_window{state:closed}.
func (g *meetingGate) expireIfNeeded(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.windowExpiresAt.IsZero() || now.Before(g.windowExpiresAt) {
		return false
	}
	g.closeWindowLocked(now)
	return true
}

// noteAssistantUtterance records what the assistant just said, the anchor
// for echo suppression.
func (g *meetingGate) noteAssistantUtterance(now time.Time, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAssistantText = text
	g.lastAssistantAt = now
}

func (g *meetingGate) isEcho(now time.Time, text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isEchoLocked(now, text)
}

func (g *meetingGate) isEchoLocked(now time.Time, text string) bool {
	if g.lastAssistantText == "" {
		return false
	}
	if now.Sub(g.lastAssistantAt) > g.echoWindow {
		return false
	}
	return bigramJaccard(text, g.lastAssistantText) >= g.echoSimilarity
}

// stripWakeWord reports whether text begins with one of wakeWords followed
// by a word boundary: "aiden please" must not match wakeWords=["ai"], but
// "ai, help" must. Matching is case-insensitive.
func stripWakeWord(text string, wakeWords []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, w := range wakeWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || !strings.HasPrefix(lower, w) {
			continue
		}
		rest := trimmed[len(w):]
		if rest == "" {
			return "", true
		}
		r := rune(rest[0])
		if isWordBoundary(r) {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func isWordBoundary(r rune) bool {
	return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
}

// bigramJaccard computes the Jaccard similarity of the character-bigram
// sets of a and b, lowercased. Intentionally cheap; a semantic similarity
// model would need a different default threshold.
func bigramJaccard(a, b string) float64 {
	ag := bigramSet(a)
	bg := bigramSet(b)
	if len(ag) == 0 && len(bg) == 0 {
		return 1
	}
	if len(ag) == 0 || len(bg) == 0 {
		return 0
	}
	inter := 0
	for k := range ag {
		if bg[k] {
			inter++
		}
	}
	union := len(ag) + len(bg) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigramSet(s string) map[string]bool {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	runes := []rune(s)
	out := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	if len(runes) == 1 {
		out[string(runes)] = true
	}
	return out
}
