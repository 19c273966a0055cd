// Package utils holds small generic helpers shared across the gateway:
// pointer helpers and numeric/string utilities.
package utils

import (
	"sort"
	"strings"
)

// Ptr returns a pointer to v, useful for building struct literals that take
// optional (*T) fields from a plain value.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether s is empty after trimming Unicode whitespace.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Percentile returns the pth percentile (0-100) of vals using linear
// interpolation between the two closest ranks. vals is sorted in place; callers that need
// the original order should pass a copy. Returns 0 for an empty slice.
func Percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	if len(vals) == 1 {
		return vals[0]
	}
	rank := (p / 100) * float64(len(vals)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(vals) {
		return vals[len(vals)-1]
	}
	frac := rank - float64(lo)
	return vals[lo] + (vals[hi]-vals[lo])*frac
}

// DedupStrings returns vals with duplicates removed, preserving first-seen
// order. Used to merge contextPhrases and dictionaryPhrases into one prompt.
func DedupStrings(vals ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range vals {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
