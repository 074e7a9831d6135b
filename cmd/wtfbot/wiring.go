package main

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/config"
	"github.com/basket/wtf-bot/internal/engine"
	"github.com/basket/wtf-bot/internal/memory"
	otelPkg "github.com/basket/wtf-bot/internal/otel"
	"github.com/basket/wtf-bot/internal/persistence"
	"github.com/basket/wtf-bot/internal/telemetry"
)

// buildCompleter creates one genkit completer per configured provider that has
// credentials and chains them behind a failover completer. The returned
// NamedCompleter describes the provider actually serving as primary.
func buildCompleter(ctx context.Context, cfg config.Config, store *persistence.Store, logger *slog.Logger, tracer trace.Tracer, metrics *otelPkg.Metrics, eventBus *bus.Bus) (engine.Completer, engine.NamedCompleter) {
	var chain []engine.NamedCompleter
	seen := map[string]bool{}
	for _, name := range append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		model, baseURL := cfg.ProviderSettings(name)
		c, err := engine.NewGenkitCompleter(ctx, engine.ProviderConfig{
			Name:    name,
			Model:   model,
			APIKey:  cfg.ProviderAPIKey(name),
			BaseURL: baseURL,
			Timeout: time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			logger.Warn("llm provider unavailable", "provider", name, "error", err)
			continue
		}
		chain = append(chain, engine.NamedCompleter{Name: name, Model: c.Model(), Completer: c})
	}

	if len(chain) == 0 {
		logger.Warn("no LLM provider configured; routing falls back to silence and summaries to the fallback text")
		model, _ := cfg.ProviderSettings(cfg.LLM.Provider)
		return engine.StaticCompleter{}, engine.NamedCompleter{Name: cfg.LLM.Provider, Model: model}
	}

	var kv engine.KVStore
	if store != nil {
		kv = store
	}
	fc := engine.NewFailoverCompleter(ctx, chain[0], chain[1:], engine.FailoverOptions{
		Threshold: cfg.LLM.FailoverThreshold,
		Cooldown:  time.Duration(cfg.LLM.FailoverCooldownSeconds) * time.Second,
		KV:        kv,
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Bus:       eventBus,
	})
	return fc, chain[0]
}

// buildMemory selects the long-term memory backend. mem0 without a key
// degrades to the local store.
func buildMemory(cfg config.Config, store memory.MemoryStore, logger *slog.Logger) memory.Client {
	switch cfg.Memory.Provider {
	case "none":
		return memory.Noop{}
	case "mem0":
		if cfg.Memory.APIKey != "" {
			logger.Info("memory backend selected", "provider", "mem0")
			return memory.NewMem0Client(memory.Mem0Config{
				APIKey:  cfg.Memory.APIKey,
				BaseURL: cfg.Memory.BaseURL,
				AppID:   cfg.Memory.AppID,
				AgentID: cfg.Memory.AgentID,
				Limit:   cfg.Responder.MemoryLimit,
			})
		}
		logger.Warn("memory.provider is mem0 but MEM0_API_KEY is empty; using local memory")
	}
	if store == nil {
		return memory.Noop{}
	}
	logger.Info("memory backend selected", "provider", "local")
	return memory.NewLocalClient(store, cfg.Responder.MemoryLimit)
}

type allowListSetter interface {
	SetAllowedChats(ids []int64)
}

// applyReload re-reads config.yaml and applies the settings that can change
// without a restart. A broken file keeps the running settings.
func applyReload(logger *slog.Logger, tg allowListSetter) {
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("config reload failed; keeping current settings", "error", err)
		return
	}
	telemetry.SetLevel(cfg.LogLevel)
	tg.SetAllowedChats(cfg.Telegram.AllowedChatIDs)
	logger.Info("config reloaded",
		"fingerprint", cfg.Fingerprint(),
		"log_level", cfg.LogLevel,
		"allowed_chats", len(cfg.Telegram.AllowedChatIDs),
	)
}
