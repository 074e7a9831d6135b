// Package tokenutil provides cheap prompt-size estimates used to bound
// summarization windows before they are sent to a model.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor; len counts bytes, so Cyrillic and
// CJK text is weighted heavier, which matches how BPE tokenizers treat it.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FitPrefix returns how many leading lines fit into budget tokens, counting
// one extra token per line for the separator. A non-positive budget means
// unlimited. At least one line is always admitted so a single oversized
// message still gets summarized.
func FitPrefix(lines []string, budget int) int {
	if budget <= 0 || len(lines) == 0 {
		return len(lines)
	}
	used := 0
	for i, line := range lines {
		used += EstimateTokens(line) + 1
		if used > budget {
			if i == 0 {
				return 1
			}
			return i
		}
	}
	return len(lines)
}
