package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/channels"
	"github.com/basket/wtf-bot/internal/config"
	"github.com/basket/wtf-bot/internal/cron"
	"github.com/basket/wtf-bot/internal/dispatch"
	"github.com/basket/wtf-bot/internal/engine"
	otelPkg "github.com/basket/wtf-bot/internal/otel"
	"github.com/basket/wtf-bot/internal/persistence"
	"github.com/basket/wtf-bot/internal/responder"
	"github.com/basket/wtf-bot/internal/router"
	"github.com/basket/wtf-bot/internal/summarizer"
	"github.com/basket/wtf-bot/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                Run the bot (logs to stdout and <home>/logs/system.jsonl)
  %s -quiet         Log to file only

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
ENVIRONMENT VARIABLES:
  TELEGRAM_BOT_TOKEN      Bot token from @BotFather (alias TELEGRAM_TOKEN)
  OPENROUTER_API_KEY      Key for the default LLM provider
  MEM0_API_KEY            Key for memory.provider=mem0
  WTFBOT_HOME             Data directory (default: ~/.wtfbot)
  WTFBOT_LOG_LEVEL        debug, info, warn or error
`)
}

func main() {
	// Existing environment wins over .env.
	_ = godotenv.Load(".env")

	quiet := flag.Bool("quiet", false, "log to file only")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("wtfbot", otelPkg.Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if cfg.Telegram.Token == "" {
		fatalStartup(logger, "E_TELEGRAM_TOKEN", errors.New("TELEGRAM_BOT_TOKEN is not set"))
	}

	eventBus := bus.New()
	defer eventBus.Close()

	// No-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	recorder := otelPkg.NewRecorder(metrics, eventBus, logger)
	recorder.Start(ctx)
	tracer := otelProvider.Tracer

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "wtfbot.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	completer, primary := buildCompleter(ctx, cfg, store, logger, tracer, metrics, eventBus)
	logger.Info("startup phase", "phase", "completer_ready", "provider", primary.Name, "model", primary.Model)

	mem := buildMemory(cfg, store, logger)

	rt := router.New(completer, router.Config{
		Temperature: cfg.Router.Temperature,
		MaxTokens:   cfg.Router.MaxTokens,
	}, logger, tracer)

	sum := summarizer.New(store, completer, summarizer.Config{
		MinMessages:     cfg.Summary.MinMessages,
		WindowCap:       cfg.Summary.WindowCap,
		MaxWindowTokens: engine.WindowTokenBudget(primary.Name, primary.Model, cfg.Summary.MaxWindowTokens),
		MaxAttempts:     cfg.Summary.MaxAttempts,
		RetryBase:       time.Duration(cfg.Summary.RetryBaseMS) * time.Millisecond,
		Temperature:     cfg.Summary.Temperature,
		MaxTokens:       cfg.Summary.MaxTokens,
		StrictGrounding: cfg.Summary.StrictGrounding,
	}, summarizer.Options{Logger: logger, Tracer: tracer, Bus: eventBus})

	resp := responder.New(completer, mem, responder.Config{
		Temperature: cfg.Responder.Temperature,
		MaxTokens:   cfg.Responder.MaxTokens,
		MemoryLimit: cfg.Responder.MemoryLimit,
	}, responder.Options{Logger: logger, Tracer: tracer})

	bot, err := channels.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		fatalStartup(logger, "E_TELEGRAM_INIT", err)
	}
	sender := channels.NewTelegramSender(bot, channels.RetryOptions{Logger: logger, Bus: eventBus})

	handlers := &dispatch.Handlers{
		Sender:     sender,
		Router:     rt,
		Summarizer: sum,
		Responder:  resp,
		Counters:   dispatch.NewCounters(),
		BotID:      bot.Self.ID,
		Logger:     logger,
		Bus:        eventBus,
	}
	dispatcher := dispatch.NewDispatcher(sender, handlers.Routes(), dispatch.Options{
		KeyPolicy: cfg.Dispatch.SingleFlightKey,
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Bus:       eventBus,
	})
	logger.Info("startup phase", "phase", "dispatcher_ready", "single_flight_key", cfg.Dispatch.SingleFlightKey)

	tg := channels.NewTelegramChannel(bot, channels.TelegramConfig{
		AllowedChatIDs: cfg.Telegram.AllowedChatIDs,
		PollTimeout:    cfg.Telegram.PollTimeoutSeconds,
	}, store, dispatcher, logger, tracer)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := tg.Start(ctx); err != nil {
			logger.Error("telegram channel failed", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "telegram_polling", "bot", bot.Self.UserName)

	cronSched, err := cron.NewScheduler(cron.Config{
		Store:       store,
		Logger:      logger,
		Schedule:    cfg.Retention.Schedule,
		MessageDays: cfg.Retention.MessagesDays,
		MemoryDecay: cfg.Retention.MemoryDecay,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	cronSched.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				applyReload(logger, tg)
			}
		}()
	}
	logger.Info("startup phase", "phase", "ready")

	<-ctx.Done()
	logger.Info("shutdown requested")

	<-pollDone
	cronSched.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Dispatch.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	if err := dispatcher.Drain(drainCtx); err != nil {
		logger.Warn("in-flight handlers did not finish", "error", err)
	}
	resp.Wait()

	if err := store.Close(); err != nil {
		logger.Error("store close failed", "error", err)
	}
	recorder.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprint(os.Stderr, startupFailureLine(time.Now(), reasonCode, message))
	}
	os.Exit(1)
}

func startupFailureLine(now time.Time, reasonCode, message string) string {
	return fmt.Sprintf(
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		now.UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
