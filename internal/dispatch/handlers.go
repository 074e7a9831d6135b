package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/router"
	"github.com/basket/wtf-bot/internal/summarizer"
)

// User-visible texts.
const (
	StartText           = "Привет"
	NotEnoughForWTF     = "Не найдено достаточно сообщений для обработки, читайте сами."
	NotEnoughForSummary = "Недостаточно сообщений для создания сводки. Минимум 10 новых сообщений."
	ReplyFailedText     = "Извините, произошла ошибка при обработке вашего запроса."
	SummaryFailedText   = "Произошла ошибка при создании сводки."
	defaultChatContext  = "General chat conversation"
	wtfCommand          = "/wtf"
	startCommand        = "/start"
)

// Classifier decides what to do with a free-text message.
type Classifier interface {
	Classify(ctx context.Context, in router.Input) router.Decision
}

// Summarizer produces summaries and answers about chat history.
type Summarizer interface {
	Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error)
}

// Responder produces conversational replies.
type Responder interface {
	Respond(ctx context.Context, text string, chatID, userID int64) (string, error)
}

// Handlers implements the bot's commands and intelligent routing.
type Handlers struct {
	Sender     Sender
	Router     Classifier
	Summarizer Summarizer
	Responder  Responder
	Counters   *Counters
	// BotID identifies the bot's own messages for reply detection.
	BotID  int64
	Logger *slog.Logger
	Bus    *bus.Bus
}

// Routes returns the bot's routes in priority order.
func (h *Handlers) Routes() []Route {
	return []Route{
		{Name: "start", Match: isCommand(startCommand), Handle: h.Start},
		{Name: "wtf", Match: isCommand(wtfCommand), Handle: h.WTF, Guarded: true},
		{Name: "route", Match: isFreeText, Handle: h.Route, Guarded: true},
	}
}

// isCommand matches "/cmd", "/cmd args" and "/cmd@botname args".
func isCommand(cmd string) func(Update) bool {
	return func(u Update) bool {
		head, _, _ := strings.Cut(u.Text, " ")
		head, _, _ = strings.Cut(head, "@")
		return strings.EqualFold(head, cmd)
	}
}

func isFreeText(u Update) bool {
	return u.Text != "" && !strings.HasPrefix(u.Text, "/")
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) Start(ctx context.Context, u Update) error {
	_, err := h.Sender.SendMessage(ctx, u.ChatID, StartText, SendOptions{})
	return err
}

// WTF handles "/wtf [question]". Replying to a message with /wtf summarizes
// from that message onward.
func (h *Handlers) WTF(ctx context.Context, u Update) error {
	if err := h.Sender.SendTyping(ctx, u.ChatID); err != nil {
		h.logger().Debug("send typing failed", "chat_id", u.ChatID, "error", err)
	}

	req := summarizer.Request{ChatID: u.ChatID, UserID: u.UserID}
	if _, rest, ok := strings.Cut(u.Text, " "); ok {
		req.Question = strings.TrimSpace(rest)
	}
	if u.ReplyTo != nil {
		req.AnchorID = u.ReplyTo.MessageID
	}

	res, err := h.Summarizer.Summarize(ctx, req)
	if errors.Is(err, summarizer.ErrNotEnoughData) {
		_, sendErr := h.Sender.SendMessage(ctx, u.ChatID, NotEnoughForWTF, SendOptions{ReplyToMessageID: u.MessageID})
		return sendErr
	}
	if err != nil {
		_, _ = h.Sender.SendMessage(ctx, u.ChatID, SummaryFailedText, SendOptions{ReplyToMessageID: u.MessageID})
		return fmt.Errorf("summarize: %w", err)
	}

	replyTo := u.MessageID
	if req.Question == "" && res.Checkpoint > 0 {
		replyTo = res.Checkpoint
	}
	return h.sendSummary(ctx, u.ChatID, summaryText(res), replyTo)
}

// sendSummary sends MarkdownV2. The sender resends any chunk whose markup
// is rejected as plain text.
func (h *Handlers) sendSummary(ctx context.Context, chatID int64, text string, replyTo int64) error {
	_, err := h.Sender.SendMessage(ctx, chatID, text, SendOptions{ParseMode: ParseModeMarkdownV2, ReplyToMessageID: replyTo})
	return err
}

// Route classifies a free-text message and acts on the decision. Any failure
// counts as silence.
func (h *Handlers) Route(ctx context.Context, u Update) error {
	isReplyToBot := u.ReplyTo != nil && h.BotID != 0 && u.ReplyTo.FromUserID == h.BotID
	decision := h.Router.Classify(ctx, router.Input{
		Text:                    u.Text,
		IsReplyToBot:            isReplyToBot,
		ChatContext:             defaultChatContext,
		Username:                u.DisplayName(),
		MessagesSinceLastAction: h.Counters.Get(u.ChatID),
	})
	h.Bus.Publish(bus.TopicRoutingDecided, bus.RoutingDecidedEvent{
		ChatID:     u.ChatID,
		Action:     string(decision.Action),
		Source:     decision.Source,
		Confidence: decision.Confidence,
	})
	h.logger().Info("routing decision",
		"chat_id", u.ChatID, "action", decision.Action, "source", decision.Source,
		"confidence", decision.Confidence, "reason", decision.Reason)

	switch decision.Action {
	case router.ActionReply:
		err := h.reply(ctx, u)
		h.Counters.Reset(u.ChatID)
		return err
	case router.ActionSummarize:
		err := h.summarize(ctx, u)
		h.Counters.Reset(u.ChatID)
		return err
	default:
		h.Counters.Increment(u.ChatID)
		return nil
	}
}

func (h *Handlers) reply(ctx context.Context, u Update) error {
	text, err := h.Responder.Respond(ctx, u.Text, u.ChatID, u.UserID)
	if err != nil {
		h.logger().Warn("reply failed, apologizing", "chat_id", u.ChatID, "error", err)
		_, sendErr := h.Sender.SendMessage(ctx, u.ChatID, ReplyFailedText, SendOptions{})
		return sendErr
	}
	_, err = h.Sender.SendMessage(ctx, u.ChatID, text, SendOptions{ReplyToMessageID: u.MessageID})
	return err
}

func (h *Handlers) summarize(ctx context.Context, u Update) error {
	res, err := h.Summarizer.Summarize(ctx, summarizer.Request{ChatID: u.ChatID, UserID: u.UserID})
	if errors.Is(err, summarizer.ErrNotEnoughData) {
		_, sendErr := h.Sender.SendMessage(ctx, u.ChatID, NotEnoughForSummary, SendOptions{ReplyToMessageID: u.MessageID})
		return sendErr
	}
	if err != nil {
		_, _ = h.Sender.SendMessage(ctx, u.ChatID, SummaryFailedText, SendOptions{})
		return fmt.Errorf("summarize: %w", err)
	}
	return h.sendSummary(ctx, u.ChatID, summaryText(res), u.MessageID)
}

// summaryText escapes locally generated fallback text; model output is
// already MarkdownV2.
func summaryText(res summarizer.Result) string {
	if res.Fallback {
		return EscapeMarkdownV2(res.Text)
	}
	return res.Text
}
