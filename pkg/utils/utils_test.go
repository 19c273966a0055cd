package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"", true},
		{"   ", true},
		{"\t\n", true},
		{"hello", false},
		{" hello ", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsEmpty(tt.input), tt.input)
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(true)
	assert.NotNil(t, p)
	assert.True(t, *p)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, float64(0), Percentile(nil, 50))
	assert.Equal(t, float64(10), Percentile([]float64{10}, 95))

	vals := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.InDelta(t, 55, Percentile(append([]float64(nil), vals...), 50), 0.001)
	assert.InDelta(t, 95.5, Percentile(append([]float64(nil), vals...), 95), 0.001)
}

func TestDedupStrings(t *testing.T) {
	got := DedupStrings([]string{"a", "b", "a"}, []string{"b", "c", ""})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
