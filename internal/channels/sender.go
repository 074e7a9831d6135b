package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/dispatch"
)

// MaxMessageUnits is the longest text sent in one Telegram message, in UTF-16
// code units as the Bot API counts them. Telegram allows 4096.
const MaxMessageUnits = 4095

// SendFunc sends one text message and returns the id of the last message sent.
type SendFunc func(ctx context.Context, chatID int64, text string, opts dispatch.SendOptions) (int64, error)

// BotAPI is the part of tgbotapi.BotAPI the sender uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// terminalFragments mark send errors that retrying cannot fix.
var terminalFragments = []string{
	"blocked",
	"deactivated",
	"forbidden",
	"not found",
	"message is not modified",
}

const markupFragment = "can't parse entities"

// classifySendError wraps err with dispatch.ErrMarkupRejected or
// dispatch.ErrDeliveryTerminal when it matches.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, markupFragment) {
		return fmt.Errorf("%w: %w", dispatch.ErrMarkupRejected, err)
	}
	for _, frag := range terminalFragments {
		if strings.Contains(msg, frag) {
			return fmt.Errorf("%w: %w", dispatch.ErrDeliveryTerminal, err)
		}
	}
	return err
}

// BaseSend sends through the Telegram Bot API without retry or chunking.
func BaseSend(bot BotAPI) SendFunc {
	return func(_ context.Context, chatID int64, text string, opts dispatch.SendOptions) (int64, error) {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = opts.ParseMode
		if opts.ReplyToMessageID > 0 {
			msg.ReplyToMessageID = int(opts.ReplyToMessageID)
			msg.AllowSendingWithoutReply = true
		}
		sent, err := bot.Send(msg)
		if err != nil {
			return 0, classifySendError(err)
		}
		return int64(sent.MessageID), nil
	}
}

// RetryOptions configure WithRetry.
type RetryOptions struct {
	Attempts int
	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
	Bus    *bus.Bus
}

// WithRetry retries failed sends with delays of 1s, 2s, 4s, ... Markup and
// terminal errors are returned immediately. A Telegram retry_after hint
// overrides the computed delay.
func WithRetry(next SendFunc, opts RetryOptions) SendFunc {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(ctx context.Context, chatID int64, text string, sendOpts dispatch.SendOptions) (int64, error) {
		var lastErr error
		for attempt := 0; attempt < opts.Attempts; attempt++ {
			id, err := next(ctx, chatID, text, sendOpts)
			if err == nil {
				return id, nil
			}
			lastErr = err
			if errors.Is(err, dispatch.ErrMarkupRejected) || errors.Is(err, dispatch.ErrDeliveryTerminal) {
				return 0, err
			}
			if attempt+1 >= opts.Attempts {
				break
			}

			delay := time.Duration(1<<attempt) * time.Second
			var tgErr *tgbotapi.Error
			if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
				delay = time.Duration(tgErr.RetryAfter) * time.Second
			}
			opts.Logger.Warn("telegram send failed, retrying",
				"chat_id", chatID, "attempt", attempt+1, "of", opts.Attempts, "delay", delay, "error", err)
			opts.Bus.Publish(bus.TopicSendRetried, bus.SendRetriedEvent{ChatID: chatID, Attempt: attempt + 1})
			if err := opts.Sleep(ctx, delay); err != nil {
				return 0, errors.Join(lastErr, err)
			}
		}
		return 0, lastErr
	}
}

// WithChunking splits text longer than limit UTF-16 units into consecutive
// sends. A chunk whose markup is rejected is resent once as plain text and
// the remaining chunks still go out. The id of the last chunk is returned.
func WithChunking(next SendFunc, limit int, logger *slog.Logger) SendFunc {
	if limit <= 0 {
		limit = MaxMessageUnits
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, chatID int64, text string, opts dispatch.SendOptions) (int64, error) {
		var lastID int64
		for i, chunk := range SplitMessage(text, limit) {
			id, err := next(ctx, chatID, chunk, opts)
			if err != nil && errors.Is(err, dispatch.ErrMarkupRejected) && opts.ParseMode != dispatch.ParseModeNone {
				logger.Warn("chunk markup rejected, resending as plain text", "chat_id", chatID, "chunk", i, "error", err)
				plain := opts
				plain.ParseMode = dispatch.ParseModeNone
				id, err = next(ctx, chatID, stripMarkup(chunk, opts.ParseMode), plain)
			}
			if err != nil {
				return lastID, err
			}
			lastID = id
		}
		return lastID, nil
	}
}

func stripMarkup(text, parseMode string) string {
	if parseMode == dispatch.ParseModeMarkdownV2 {
		return dispatch.UnescapeMarkdownV2(text)
	}
	return text
}

// SplitMessage cuts text into pieces of at most limit UTF-16 code units, in
// order. A cut prefers the last newline in the second half of a piece and
// never leaves a MarkdownV2 escape backslash at the end of a piece.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageUnits
	}
	var chunks []string
	for text != "" {
		cut := chunkEnd(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// chunkEnd returns the byte offset where the next piece of text ends.
func chunkEnd(text string, limit int) int {
	units, hard, half := 0, len(text), -1
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > limit {
			hard = i
			break
		}
		units += n
		i += size
		if half < 0 && units >= limit/2 {
			half = i
		}
	}
	if hard == len(text) {
		return hard
	}
	if hard == 0 {
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	cut := hard
	if nl := strings.LastIndexByte(text[:hard], '\n'); nl >= 0 && half >= 0 && nl+1 >= half {
		cut = nl + 1
	}
	if cut > 1 && trailingBackslashes(text[:cut])%2 == 1 {
		cut--
	}
	return cut
}

func trailingBackslashes(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n
}

// TelegramSender implements dispatch.Sender as chunking over retry over the
// Bot API.
type TelegramSender struct {
	bot    BotAPI
	send   SendFunc
	logger *slog.Logger
}

func NewTelegramSender(bot BotAPI, retry RetryOptions) *TelegramSender {
	logger := retry.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry.Logger = logger.With("component", "telegram_sender")
	return &TelegramSender{
		bot:    bot,
		send:   WithChunking(WithRetry(BaseSend(bot), retry), MaxMessageUnits, retry.Logger),
		logger: retry.Logger,
	}
}

func (s *TelegramSender) SendMessage(ctx context.Context, chatID int64, text string, opts dispatch.SendOptions) (int64, error) {
	return s.send(ctx, chatID, text, opts)
}

// SendTyping shows the typing indicator. One attempt; failures are harmless.
func (s *TelegramSender) SendTyping(_ context.Context, chatID int64) error {
	if _, err := s.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return classifySendError(err)
	}
	return nil
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
