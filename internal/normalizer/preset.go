package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Preset names recognized in StreamingConfig.normalizePreset, applied
// in this fixed order when present.
const (
	PresetNFKC        = "nfkc"
	PresetStripPunct  = "stripPunct"
	PresetStripSpace  = "stripSpace"
	PresetLowercase   = "lowercase"
)

var presetOrder = []string{PresetNFKC, PresetStripPunct, PresetStripSpace, PresetLowercase}

// ParsePreset splits a comma-joined preset string into its component steps,
// ignoring unknown tokens.
func ParsePreset(preset string) []string {
	if preset == "" {
		return nil
	}
	var out []string
	known := map[string]bool{PresetNFKC: true, PresetStripPunct: true, PresetStripSpace: true, PresetLowercase: true}
	for _, tok := range strings.Split(preset, ",") {
		tok = strings.TrimSpace(tok)
		if known[tok] {
			out = append(out, tok)
		}
	}
	return out
}

// Apply runs the requested preset steps over text, in the fixed canonical
// order (nfkc, stripPunct, stripSpace, lowercase) regardless of the order
// the caller listed them in, so pipelines are deterministic.
func Apply(text string, steps []string) string {
	if len(steps) == 0 {
		return text
	}
	want := make(map[string]bool, len(steps))
	for _, s := range steps {
		want[s] = true
	}
	out := text
	for _, step := range presetOrder {
		if !want[step] {
			continue
		}
		switch step {
		case PresetNFKC:
			out = norm.NFKC.String(out)
		case PresetStripPunct:
			out = stripPunct(out)
		case PresetStripSpace:
			out = stripSpace(out)
		case PresetLowercase:
			out = strings.ToLower(out)
		}
	}
	return out
}

func stripPunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripSpace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
