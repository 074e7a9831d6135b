// Package pricing estimates the USD cost of completion calls from token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known list prices, keyed by bare model name. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Moonshot / DeepSeek (OpenRouter and direct)
	"kimi-k2":           {0.60, 2.50},
	"deepseek-chat":     {0.27, 1.10},
	"deepseek-reasoner": {0.55, 2.19},
	// Gemini
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Router prefixes such as "moonshotai/" are ignored. Unknown models cost 0.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// Lookup returns the pricing for model, matching on the last path segment.
func Lookup(model string) (ModelPricing, bool) {
	bare := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(bare, "/"); i >= 0 {
		bare = bare[i+1:]
	}
	p, ok := knownModels[bare]
	return p, ok
}
