// Package summarizer turns a window of chat history into a summary, or an
// answer to a question about it, and advances the per-user checkpoint so no
// message is folded in twice.
package summarizer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/engine"
	"github.com/basket/wtf-bot/internal/otel"
)

// ErrNotEnoughData means there is too little history to summarize. It is a
// normal outcome, not a failure.
var ErrNotEnoughData = errors.New("summarizer: not enough messages")

// FallbackText is sent when the model could not produce a summary. It is
// plain text; callers escape it for MarkdownV2.
const FallbackText = "Не удалось составить сводку. Сервис временно недоступен, попробуйте позже."

// Widened windows below this size are not worth a model call.
const minWidenedMessages = 2

// Config holds the summarization policy.
type Config struct {
	MinMessages     int
	WindowCap       int
	MaxWindowTokens int
	MaxAttempts     int
	RetryBase       time.Duration
	Temperature     float64
	MaxTokens       int
	StrictGrounding bool
}

func (c *Config) applyDefaults() {
	if c.MinMessages <= 0 {
		c.MinMessages = 10
	}
	if c.WindowCap <= 0 {
		c.WindowCap = 300
	}
	if c.WindowCap < c.MinMessages {
		c.WindowCap = c.MinMessages
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
}

// Request names whose history to summarize. AnchorID > 0 summarizes from that
// message onward without touching the checkpoint.
type Request struct {
	ChatID   int64
	UserID   int64
	AnchorID int64
	Question string
}

// Result is a produced summary. Fallback results carry FallbackText and
// leave the checkpoint untouched.
type Result struct {
	Text        string
	Fallback    bool
	WindowStart int64
	WindowEnd   int64
	Count       int
	Widened     bool
	Anchored    bool
	// Checkpoint is the user's last summarized message id after this call;
	// 0 for anchored requests.
	Checkpoint int64
}

// Options are optional collaborators.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Bus    *bus.Bus
	// Sleep waits between retries; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Summarizer struct {
	store     Store
	completer engine.Completer
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	bus       *bus.Bus
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(store Store, completer engine.Completer, cfg Config, opts Options) *Summarizer {
	cfg.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Summarizer{
		store:     store,
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "summarizer"),
		tracer:    otel.TracerOrNoop(opts.Tracer),
		bus:       opts.Bus,
		sleep:     sleep,
	}
}

// Summarize selects a window, generates text with retry and, for checkpoint
// windows, advances the checkpoint after a successful generation. Model
// failures never surface as errors: they produce a fallback Result. Errors
// are ErrNotEnoughData or storage failures.
func (s *Summarizer) Summarize(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "summarizer.summarize",
		otel.AttrChatID.Int64(req.ChatID), otel.AttrUserID.Int64(req.UserID))
	defer span.End()

	w, err := s.selectWindow(ctx, req)
	if errors.Is(err, ErrNotEnoughData) {
		s.logger.Info("not enough messages to summarize",
			"chat_id", req.ChatID, "user_id", req.UserID, "anchor_id", req.AnchorID)
		return Result{}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(otel.AttrWindowSize.Int(len(w.messages)))

	res := Result{
		WindowStart: w.start(),
		WindowEnd:   w.end(),
		Count:       len(w.messages),
		Widened:     w.widened,
		Anchored:    w.anchored,
		Checkpoint:  w.checkpoint,
	}

	text, genErr := s.generate(ctx, engine.Request{
		Name:        "summary",
		System:      s.systemPrompt(req.Question),
		Prompt:      userPrompt(w.lines, req.Question),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	ev := bus.SummaryEvent{
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		Messages: res.Count,
		Widened:  res.Widened,
		Anchored: res.Anchored,
		Question: req.Question != "",
	}
	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		s.logger.Warn("summary generation failed, using fallback",
			"chat_id", req.ChatID, "error", genErr, "error_class", engine.ClassifyError(genErr))
		res.Text, res.Fallback = FallbackText, true
		ev.DurationMS = time.Since(started).Milliseconds()
		ev.Err = genErr.Error()
		s.bus.Publish(bus.TopicSummaryFailed, ev)
		return res, nil
	}
	res.Text = text

	if w.advanceTo > 0 {
		// The summary is still delivered; the same messages count as unseen next time.
		cp, err := s.store.AdvanceCheckpoint(ctx, req.ChatID, req.UserID, w.advanceTo)
		if err != nil {
			span.RecordError(err)
			s.logger.Error("advance checkpoint failed",
				"chat_id", req.ChatID, "user_id", req.UserID, "message_id", w.advanceTo, "error", err)
		} else {
			res.Checkpoint = cp.LastSummarizedMessageID
		}
	}

	ev.DurationMS = time.Since(started).Milliseconds()
	s.bus.Publish(bus.TopicSummaryCompleted, ev)
	s.logger.Info("summary produced",
		"chat_id", req.ChatID, "user_id", req.UserID, "messages", res.Count,
		"widened", res.Widened, "anchored", res.Anchored, "checkpoint", res.Checkpoint)
	return res, nil
}

// generate calls the completer, retrying transient failures with exponential
// backoff up to MaxAttempts.
func (s *Summarizer) generate(ctx context.Context, req engine.Request) (string, error) {
	var lastErr error
	delay := s.cfg.RetryBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		resp, err := s.completer.Generate(ctx, req)
		if err == nil {
			return resp.Text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !engine.IsRetryable(err) || attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Info("retrying summary generation", "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return "", errors.Join(lastErr, err)
		}
		delay *= 2
	}
	return "", lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
