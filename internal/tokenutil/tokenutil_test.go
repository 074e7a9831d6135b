package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty string", content: "", want: 0},
		{name: "single word", content: "hello", want: 1},
		{
			name:    "paragraph",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33 = 17, 63/4 = 15
		},
		{
			name:    "cyrillic",
			content: "привет как дела",
			want:    7, // 3 words * 1.33 = 3, 28 bytes / 4 = 7
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestFitPrefix(t *testing.T) {
	line := strings.Repeat("word ", 30) // 30 words -> 39 tokens, +1 separator
	lines := []string{line, line, line, line}

	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{name: "unlimited", budget: 0, want: 4},
		{name: "exactly two", budget: 80, want: 2},
		{name: "just under three", budget: 119, want: 2},
		{name: "everything fits", budget: 10000, want: 4},
		{name: "first line oversized", budget: 5, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FitPrefix(lines, tt.budget); got != tt.want {
				t.Errorf("FitPrefix(budget=%d) = %d; want %d", tt.budget, got, tt.want)
			}
		})
	}

	if got := FitPrefix(nil, 10); got != 0 {
		t.Errorf("FitPrefix(nil) = %d; want 0", got)
	}
}
