// Package responder produces direct conversational replies, grounded in what
// the memory backend remembers about the user.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/engine"
	"github.com/basket/wtf-bot/internal/memory"
	"github.com/basket/wtf-bot/internal/otel"
)

// ErrEmptyReply is returned when the model produced only whitespace.
var ErrEmptyReply = errors.New("responder: empty reply")

const persona = `You are a friendly assistant living in a Telegram group chat.
Answer the user's message directly and concisely, in the language the user wrote in.
Use the memories below when they are relevant; do not mention that you have a memory unless asked.
Reply in plain text without Markdown.`

// Config tunes the reply call.
type Config struct {
	Temperature float64
	MaxTokens   int
	// MemoryLimit caps how many snippets go into the prompt.
	MemoryLimit      int
	WriteBackTimeout time.Duration
}

type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

type Responder struct {
	completer engine.Completer
	memory    memory.Client
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	writeBacks sync.WaitGroup
}

func New(completer engine.Completer, mem memory.Client, cfg Config, opts Options) *Responder {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 5
	}
	if cfg.WriteBackTimeout <= 0 {
		cfg.WriteBackTimeout = 30 * time.Second
	}
	if mem == nil {
		mem = memory.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		completer: completer,
		memory:    mem,
		cfg:       cfg,
		logger:    logger.With("component", "responder"),
		tracer:    otel.TracerOrNoop(opts.Tracer),
	}
}

// Respond makes one completion call for text. Memory lookups and write-back
// are best effort and never fail the reply. A non-nil error means the caller
// should apologize instead.
func (r *Responder) Respond(ctx context.Context, text string, chatID, userID int64) (string, error) {
	ctx, span := otel.StartSpan(ctx, r.tracer, "responder.respond",
		otel.AttrChatID.Int64(chatID), otel.AttrUserID.Int64(userID))
	defer span.End()

	scope := memory.ScopeKey(chatID, userID)
	snippets, err := r.memory.Search(ctx, text, scope)
	if err != nil {
		r.logger.Warn("memory search failed", "scope", scope, "error", err)
		snippets = nil
	}
	if len(snippets) > r.cfg.MemoryLimit {
		snippets = snippets[:r.cfg.MemoryLimit]
	}

	resp, err := r.completer.Generate(ctx, engine.Request{
		Name:        "reply",
		System:      systemPrompt(snippets),
		Prompt:      text,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("reply generation failed",
			"chat_id", chatID, "error", err, "error_class", engine.ClassifyError(err))
		return "", fmt.Errorf("generate reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		span.SetStatus(codes.Error, ErrEmptyReply.Error())
		return "", ErrEmptyReply
	}

	r.writeBack(ctx, scope, text, reply)
	return reply, nil
}

// writeBack stores the exchange in the background, detached from the
// request's cancellation.
func (r *Responder) writeBack(ctx context.Context, scope, text, reply string) {
	r.writeBacks.Add(1)
	go func() {
		defer r.writeBacks.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteBackTimeout)
		defer cancel()
		turns := []memory.Turn{
			{Role: "user", Content: text},
			{Role: "assistant", Content: reply},
		}
		if err := r.memory.Add(wctx, turns, scope); err != nil {
			r.logger.Warn("memory write-back failed", "scope", scope, "error", err)
		}
	}()
}

// Wait blocks until pending memory write-backs finish.
func (r *Responder) Wait() {
	r.writeBacks.Wait()
}

func systemPrompt(snippets []memory.Snippet) string {
	return persona + "\n\nRelevant memories:\n" + memory.FormatForPrompt(snippets)
}
