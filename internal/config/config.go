package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/wtf-bot/internal/otel"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMConfig selects the primary provider and the failover chain.
type LLMConfig struct {
	// Provider names the primary LLM provider: "openrouter", "deepseek",
	// "openai", "openai_compatible", "anthropic", "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration (in seconds) before a tripped circuit
	// breaker resets and the provider is retried. Default 300 (5 minutes).
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

type TelegramConfig struct {
	Token              string  `yaml:"token"`
	AllowedChatIDs     []int64 `yaml:"allowed_chat_ids"`
	PollTimeoutSeconds int     `yaml:"poll_timeout_seconds"`
}

type RouterConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type SummaryConfig struct {
	MinMessages     int     `yaml:"min_messages"`
	WindowCap       int     `yaml:"window_cap"`
	MaxWindowTokens int     `yaml:"max_window_tokens"`
	MaxAttempts     int     `yaml:"max_attempts"`
	RetryBaseMS     int     `yaml:"retry_base_ms"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	// StrictGrounding restricts question answers to the chat history.
	StrictGrounding bool `yaml:"strict_grounding"`
}

type ResponderConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MemoryLimit int     `yaml:"memory_limit"`
}

// MemoryConfig selects the long-term memory backend: "none", "local" or "mem0".
type MemoryConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	AppID    string `yaml:"app_id"`
	AgentID  string `yaml:"agent_id"`
}

type DispatchConfig struct {
	// SingleFlightKey is "chat" or "user".
	SingleFlightKey     string `yaml:"single_flight_key"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
}

// RetentionConfig controls scheduled cleanup. MessagesDays 0 keeps messages
// forever.
type RetentionConfig struct {
	MessagesDays int    `yaml:"messages_days"`
	Schedule     string `yaml:"schedule"`
	// MemoryDecay multiplies local memory relevance on every run.
	MemoryDecay float64 `yaml:"memory_decay"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints, models).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	Router    RouterConfig    `yaml:"router"`
	Summary   SummaryConfig   `yaml:"summary"`
	Responder ResponderConfig `yaml:"responder"`
	Memory    MemoryConfig    `yaml:"memory"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry otel.Config     `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change bot behavior.
// Secrets are not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|llm=%s/%s|fallbacks=%v|chats=%v|summary=%+v|router=%+v|responder=%+v|memory=%s|flight=%s|retention=%d/%s",
		c.LogLevel, c.LLM.Provider, c.LLM.Model, c.LLM.FallbackProviders, c.Telegram.AllowedChatIDs,
		c.Summary, c.Router, c.Responder, c.Memory.Provider, c.Dispatch.SingleFlightKey,
		c.Retention.MessagesDays, c.Retention.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:                "openrouter",
			Model:                   "moonshotai/kimi-k2",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
			RequestTimeoutSeconds:   120,
		},
		Telegram: TelegramConfig{PollTimeoutSeconds: 60},
		Router:   RouterConfig{Temperature: 0.2, MaxTokens: 200},
		Summary: SummaryConfig{
			MinMessages:     10,
			WindowCap:       300,
			MaxWindowTokens: 60_000,
			MaxAttempts:     3,
			RetryBaseMS:     1000,
			Temperature:     0.2,
			MaxTokens:       2048,
		},
		Responder: ResponderConfig{Temperature: 0.7, MaxTokens: 1024, MemoryLimit: 5},
		Memory:    MemoryConfig{Provider: "local"},
		Dispatch:  DispatchConfig{SingleFlightKey: "chat", DrainTimeoutSeconds: 10},
		Retention: RetentionConfig{Schedule: "17 4 * * *", MemoryDecay: 0.95},
		Telemetry: otel.Config{Exporter: "stdout", ServiceName: "wtfbot", SampleRate: 1.0},
	}
}

func HomeDir() string {
	if override := os.Getenv("WTFBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".wtfbot")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create wtfbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openrouter"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if cfg.LLM.RequestTimeoutSeconds <= 0 {
		cfg.LLM.RequestTimeoutSeconds = 120
	}
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = 60
	}
	if cfg.Summary.MinMessages <= 0 {
		cfg.Summary.MinMessages = 10
	}
	if cfg.Summary.WindowCap < cfg.Summary.MinMessages {
		cfg.Summary.WindowCap = max(300, cfg.Summary.MinMessages)
	}
	if cfg.Summary.MaxAttempts <= 0 {
		cfg.Summary.MaxAttempts = 3
	}
	if cfg.Summary.RetryBaseMS <= 0 {
		cfg.Summary.RetryBaseMS = 1000
	}
	cfg.Memory.Provider = strings.ToLower(strings.TrimSpace(cfg.Memory.Provider))
	if cfg.Memory.Provider == "" {
		cfg.Memory.Provider = "local"
	}
	cfg.Dispatch.SingleFlightKey = strings.ToLower(strings.TrimSpace(cfg.Dispatch.SingleFlightKey))
	if cfg.Dispatch.SingleFlightKey == "" {
		cfg.Dispatch.SingleFlightKey = "chat"
	}
	if cfg.Dispatch.DrainTimeoutSeconds <= 0 {
		cfg.Dispatch.DrainTimeoutSeconds = 10
	}
	if cfg.Retention.MessagesDays < 0 {
		cfg.Retention.MessagesDays = 0
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "17 4 * * *"
	}
	if cfg.Retention.MemoryDecay <= 0 || cfg.Retention.MemoryDecay > 1 {
		cfg.Retention.MemoryDecay = 0.95
	}
}

var knownProviders = map[string]bool{
	"openrouter": true, "deepseek": true, "openai": true,
	"openai_compatible": true, "anthropic": true, "google": true,
}

func validate(cfg Config) error {
	for _, p := range append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...) {
		if !knownProviders[p] {
			return fmt.Errorf("unknown llm provider %q", p)
		}
	}
	switch cfg.Memory.Provider {
	case "none", "local", "mem0":
	default:
		return fmt.Errorf("unknown memory provider %q (want none, local or mem0)", cfg.Memory.Provider)
	}
	switch cfg.Dispatch.SingleFlightKey {
	case "chat", "user":
	default:
		return fmt.Errorf("unknown single_flight_key %q (want chat or user)", cfg.Dispatch.SingleFlightKey)
	}
	return nil
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
		"deepseek":          {"DEEPSEEK_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderSettings returns the effective model and base URL for provider.
// The llm section wins for the primary provider.
func (c Config) ProviderSettings(provider string) (model, baseURL string) {
	p := c.Providers[provider]
	model, baseURL = p.Model, p.BaseURL
	if provider == c.LLM.Provider {
		if c.LLM.Model != "" {
			model = c.LLM.Model
		}
		if c.LLM.BaseURL != "" {
			baseURL = c.LLM.BaseURL
		}
	}
	return model, baseURL
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WTFBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WTFBOT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("WTFBOT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("WTFBOT_MEMORY_PROVIDER"); raw != "" {
		cfg.Memory.Provider = raw
	}
	if raw := os.Getenv("WTFBOT_SINGLE_FLIGHT_KEY"); raw != "" {
		cfg.Dispatch.SingleFlightKey = raw
	}
	if raw := os.Getenv("WTFBOT_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MEM0_API_KEY"); raw != "" {
		cfg.Memory.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	} else if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
