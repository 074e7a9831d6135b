package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultDeepSeekBaseURL   = "https://api.deepseek.com/v1"
	defaultRequestTimeout    = 120 * time.Second
)

// ProviderConfig selects one LLM backend.
type ProviderConfig struct {
	// Name is one of openrouter, deepseek, openai, openai_compatible,
	// anthropic, google.
	Name    string
	Model   string
	APIKey  string
	BaseURL string
	// Timeout bounds each request. Zero means 120s.
	Timeout time.Duration
}

// GenkitCompleter sends requests through a genkit instance configured with a
// single provider plugin.
type GenkitCompleter struct {
	g         *genkit.Genkit
	provider  string
	model     string
	modelName string
	timeout   time.Duration
	logger    *slog.Logger
}

// ErrMissingAPIKey is returned by NewGenkitCompleter when neither the config
// nor the environment supplies a key.
var ErrMissingAPIKey = fmt.Errorf("missing API key")

// NewGenkitCompleter initializes genkit with the configured provider plugin.
func NewGenkitCompleter(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*GenkitCompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Name))
	if provider == "" {
		provider = "openrouter"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compatible: base_url is required")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compat",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, defaultOpenRouterBaseURL),
		}))
	case "deepseek":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "deepseek",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, defaultDeepSeekBaseURL),
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger.Info("genkit completer initialized", "provider", provider, "model", model)
	return &GenkitCompleter{
		g:         g,
		provider:  provider,
		model:     model,
		modelName: modelNameForProvider(provider, model),
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (c *GenkitCompleter) Provider() string { return c.provider }
func (c *GenkitCompleter) Model() string    { return c.model }

// Generate performs one model call. The per-request timeout is the only
// deadline applied.
func (c *GenkitCompleter) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, c.g, c.generateOptions(req)...)
	if err != nil {
		return Response{}, &ProviderError{Provider: c.provider, Class: ClassifyError(err), Err: err}
	}
	text := strings.TrimSpace(resp.Text())
	out := Response{Text: text, Provider: c.provider, Model: c.model}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.InputTokens
		out.OutputTokens = resp.Usage.OutputTokens
	}
	if text == "" && req.Schema == nil {
		return Response{}, &ProviderError{Provider: c.provider, Class: ErrorClassServer, Err: fmt.Errorf("empty completion")}
	}

	if req.Schema != nil {
		result, err := req.Schema.ValidateResponse(text)
		if err != nil {
			return Response{}, err
		}
		out.JSON = result.JSON
		out.Parsed = result.Parsed
	}
	return out, nil
}

func (c *GenkitCompleter) generateOptions(req Request) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithConfig(generationConfig(c.provider, req.Temperature, req.MaxTokens)),
	}

	system := req.System
	if req.Schema != nil {
		system = strings.TrimSpace(system + "\n\n" + req.Schema.Instructions())
	}
	if system != "" {
		// ai.WithSystem formats its argument; escape % to keep it literal.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if req.Prompt != "" {
		opts = append(opts, ai.WithPrompt(strings.ReplaceAll(req.Prompt, "%", "%%")))
	}
	return opts
}

// generationConfig maps sampling settings onto each plugin's native config
// shape. Plugins accept map[string]any and decode it into their request type.
func generationConfig(provider string, temperature float64, maxTokens int) map[string]any {
	cfg := map[string]any{"temperature": temperature}
	if maxTokens <= 0 {
		return cfg
	}
	if provider == "google" {
		cfg["maxOutputTokens"] = maxTokens
	} else {
		cfg["max_tokens"] = maxTokens
	}
	return cfg
}

func toGenkitMessages(history []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range history {
		var role ai.Role
		switch m.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

// DefaultModelForProvider returns the model used when none is configured.
func DefaultModelForProvider(provider string) string {
	switch provider {
	case "openrouter":
		return "moonshotai/kimi-k2"
	case "deepseek":
		return "deepseek-chat"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-3-5-haiku-20241022"
	case "google":
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

// EnvAPIKeyForProvider reads the conventional API key variable for provider.
func EnvAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "deepseek":
		return os.Getenv("DEEPSEEK_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openrouter":
		// OpenRouter model ids already carry a vendor prefix ("moonshotai/kimi-k2").
		return "openrouter/" + model
	case "deepseek":
		return "deepseek/" + model
	case "openai_compatible":
		return "compat/" + model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
