package engine

import (
	"strings"
)

// reservedTokens is kept free for the system prompt and the reply when a
// summary window is sized against a model's context.
const reservedTokens = 10_000

var contextLimitOverrides map[string]int

// SetContextLimitOverrides sets config-driven context limit overrides keyed
// by "provider/model" or bare model id.
func SetContextLimitOverrides(m map[string]int) {
	contextLimitOverrides = m
}

// ContextLimitForModel returns the token limit for a given provider+model.
// Falls back to conservative defaults when model is unknown.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	if contextLimitOverrides != nil {
		if v, ok := contextLimitOverrides[provider+"/"+model]; ok {
			return v
		}
		if v, ok := contextLimitOverrides[model]; ok {
			return v
		}
	}

	// OpenRouter ids carry a vendor prefix.
	bare := model
	if i := strings.LastIndex(bare, "/"); i >= 0 {
		bare = bare[i+1:]
	}

	switch bare {
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-1.5-flash", "gemini-1.5-pro":
		return 1_048_576
	case "claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229":
		return 200_000
	case "gpt-4o", "gpt-4o-mini":
		return 128_000
	case "kimi-k2":
		return 131_072
	case "deepseek-chat", "deepseek-reasoner":
		return 64_000
	}

	switch {
	case strings.HasPrefix(bare, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(bare, "claude-"):
		return 200_000
	case strings.HasPrefix(bare, "gpt-4"):
		return 128_000
	case strings.HasPrefix(bare, "deepseek-"):
		return 64_000
	}

	switch provider {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	case "deepseek":
		return 64_000
	}
	return 128_000
}

// WindowTokenBudget caps a configured prompt budget so that it, plus the
// reserved share, fits the model's context. configured <= 0 means "as large
// as the model allows".
func WindowTokenBudget(provider, model string, configured int) int {
	limit := ContextLimitForModel(provider, model) - reservedTokens
	if limit < 1_000 {
		limit = 1_000
	}
	if configured <= 0 || configured > limit {
		return limit
	}
	return configured
}
