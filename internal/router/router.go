// Package router decides, per incoming chat message, whether the bot replies,
// summarizes the chat, or stays silent.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/engine"
	"github.com/basket/wtf-bot/internal/otel"
)

// Action is what the bot does with a message.
type Action string

const (
	ActionReply     Action = "reply"
	ActionSummarize Action = "summarize"
	ActionSilent    Action = "silent"
)

// Decision sources.
const (
	SourceFast     = "fast"
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Decision is a routing outcome. It is never persisted.
type Decision struct {
	Action     Action
	Reason     string
	Confidence int
	Source     string
}

// Input is one message plus the lightweight context the classifier sees.
type Input struct {
	Text                    string
	IsReplyToBot            bool
	ChatContext             string
	Username                string
	MessagesSinceLastAction int
}

const decisionSchemaJSON = `{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "description": "The action the bot should take: \"reply\" for responding to user, \"summarize\" for creating summary, \"silent\" for no action."
    },
    "reason": {
      "type": "string",
      "description": "Brief explanation why this action was chosen."
    },
    "confidence": {
      "type": "integer",
      "description": "Confidence level in this decision from 1-10."
    }
  },
  "required": ["action", "reason", "confidence"],
  "additionalProperties": false
}`

// DecisionSchema validates model routing output.
var DecisionSchema = engine.MustStructuredValidator("bot_routing_decision", json.RawMessage(decisionSchemaJSON))

const systemPrompt = `You are a routing assistant for a Telegram chat bot that can:
1. Reply to users with memory-enhanced responses
2. Create summaries of chat conversations
3. Stay silent when not needed

Decide what action to take based on these rules:

**REPLY** when:
- User directly addresses the bot or asks a question
- Message is a reply to the bot's previous message
- User needs help or asks for information
- Message contains greeting directed at bot
- User explicitly requests assistance

**SUMMARIZE** when:
- User asks for chat summary (like "what happened", "wtf happened", etc.)
- Explicitly requested with /wtf command (but this is handled separately)
- Long discussion needs summarization

**SILENT** when:
- General chat between users not involving bot
- Simple acknowledgments, greetings between users
- Off-topic conversations
- Bot would be intrusive to respond
- Spam or low-quality content

Consider:
- Chat context and conversation flow
- Whether response would add value
- User's intent and expectations
- Number of messages since last bot action (avoid being too chatty)

Be conservative - prefer SILENT over unnecessary responses.`

// Config tunes the model fallback call.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Router classifies messages. The zero value is not usable; use New.
type Router struct {
	completer engine.Completer
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(completer engine.Completer, cfg Config, logger *slog.Logger, tracer trace.Tracer) *Router {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "router"),
		tracer:    otel.TracerOrNoop(tracer),
	}
}

// Classify never fails: model errors, schema violations and unknown actions
// all resolve to silent.
func (r *Router) Classify(ctx context.Context, in Input) Decision {
	if d, ok := QuickRoute(in.Text, in.IsReplyToBot); ok {
		return d
	}

	ctx, span := otel.StartSpan(ctx, r.tracer, "router.classify")
	defer span.End()

	d, err := r.classifyWithModel(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var sv *engine.SchemaViolation
		if errors.As(err, &sv) {
			r.logger.Warn("routing schema violation, staying silent", "error", err)
		} else {
			r.logger.Warn("routing model call failed, staying silent",
				"error", err, "error_class", engine.ClassifyError(err))
		}
		return Decision{Action: ActionSilent, Reason: "routing failed", Confidence: 1, Source: SourceFallback}
	}
	span.SetAttributes(otel.AttrAction.String(string(d.Action)), otel.AttrSource.String(d.Source))
	return d
}

func (r *Router) classifyWithModel(ctx context.Context, in Input) (Decision, error) {
	resp, err := r.completer.Generate(ctx, engine.Request{
		Name:        "router",
		System:      systemPrompt,
		Prompt:      userPrompt(in),
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
		Schema:      DecisionSchema,
	})
	if err != nil {
		return Decision{}, err
	}

	var raw struct {
		Action     string `json:"action"`
		Reason     string `json:"reason"`
		Confidence int    `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.JSON), &raw); err != nil {
		return Decision{}, &engine.SchemaViolation{Message: fmt.Sprintf("decode decision: %v", err), Raw: resp.Text}
	}

	action := Action(strings.ToLower(strings.TrimSpace(raw.Action)))
	switch action {
	case ActionReply, ActionSummarize, ActionSilent:
	default:
		r.logger.Info("unrecognized routing action, staying silent", "action", raw.Action)
		return Decision{Action: ActionSilent, Reason: "unrecognized action " + raw.Action, Confidence: 1, Source: SourceFallback}, nil
	}
	return Decision{
		Action:     action,
		Reason:     raw.Reason,
		Confidence: clampConfidence(raw.Confidence),
		Source:     SourceModel,
	}, nil
}

func userPrompt(in Input) string {
	username := in.Username
	if username == "" {
		username = "unknown"
	}
	replyToBot := "no"
	if in.IsReplyToBot {
		replyToBot = "yes"
	}
	return fmt.Sprintf("Message: \"%s\"\nChat Context: %s\nUsername: %s\nIs Reply to Bot: %s\nMessages since last action: %d\n\nDecide action:",
		in.Text, in.ChatContext, username, replyToBot, in.MessagesSinceLastAction)
}

func clampConfidence(c int) int {
	if c < 1 {
		return 1
	}
	if c > 10 {
		return 10
	}
	return c
}
