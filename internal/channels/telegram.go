package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/wtf-bot/internal/dispatch"
	"github.com/basket/wtf-bot/internal/otel"
	"github.com/basket/wtf-bot/internal/persistence"
	"github.com/basket/wtf-bot/internal/shared"
)

// MessageStore persists inbound messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg persistence.ChatMessage) (bool, error)
}

// UpdateDispatcher runs handlers for an update in the background.
type UpdateDispatcher interface {
	Go(ctx context.Context, u dispatch.Update)
}

// TelegramConfig configures polling.
type TelegramConfig struct {
	// AllowedChatIDs restricts the bot to these chats; empty allows all.
	AllowedChatIDs []int64
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
}

// TelegramChannel implements Channel for Telegram.
type TelegramChannel struct {
	bot        *tgbotapi.BotAPI
	store      MessageStore
	dispatcher UpdateDispatcher
	logger     *slog.Logger
	tracer     trace.Tracer

	pollTimeout int
	allowed     atomic.Pointer[map[int64]struct{}]
}

// NewBotAPI connects to Telegram and resolves the bot's own identity.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(bot *tgbotapi.BotAPI, cfg TelegramConfig, store MessageStore, dispatcher UpdateDispatcher, logger *slog.Logger, tracer trace.Tracer) *TelegramChannel {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramChannel{
		bot:         bot,
		store:       store,
		dispatcher:  dispatcher,
		logger:      logger.With("component", "telegram"),
		tracer:      otel.TracerOrNoop(tracer),
		pollTimeout: cfg.PollTimeout,
	}
	t.SetAllowedChats(cfg.AllowedChatIDs)
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SetAllowedChats replaces the chat allow-list. Safe to call while polling.
func (t *TelegramChannel) SetAllowedChats(ids []int64) {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	t.allowed.Store(&allowed)
}

func (t *TelegramChannel) chatAllowed(chatID int64) bool {
	allowed := *t.allowed.Load()
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[chatID]
	return ok
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = t.pollTimeout
		u.AllowedUpdates = []string{"message"}
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or nothing arrives within 2.5x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel on a dead connection.
	stallTimeout := time.Duration(t.pollTimeout) * 2500 * time.Millisecond

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage persists msg synchronously, so storage order matches arrival
// order, then dispatches it in the background.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if !t.chatAllowed(msg.Chat.ID) {
		t.logger.Debug("telegram chat not allowed", "chat_id", msg.Chat.ID)
		return
	}
	stored, upd, ok := normalize(msg)
	if !ok {
		return
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger := t.logger.With("trace_id", traceID, "chat_id", upd.ChatID, "user_id", upd.UserID, "message_id", upd.MessageID)

	spanCtx, span := otel.StartConsumerSpan(ctx, t.tracer, "telegram.persist",
		otel.AttrChatID.Int64(upd.ChatID), otel.AttrUserID.Int64(upd.UserID))
	inserted, err := t.store.AppendMessage(spanCtx, stored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("persist message failed", "error", err)
	} else if !inserted {
		logger.Debug("duplicate message ignored")
	}
	span.End()

	if upd.Text == "" {
		return
	}
	// Handlers outlive polling so shutdown can drain them.
	t.dispatcher.Go(context.WithoutCancel(ctx), upd)
}

// normalize maps a Telegram message onto the stored record and the dispatch
// update. ok is false for messages with neither text nor media.
func normalize(msg *tgbotapi.Message) (persistence.ChatMessage, dispatch.Update, bool) {
	attachmentID := ""
	switch {
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes smallest first.
		attachmentID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		attachmentID = msg.Document.FileID
	}
	if msg.Text == "" && attachmentID == "" {
		return persistence.ChatMessage{}, dispatch.Update{}, false
	}

	text := msg.Text
	if msg.Caption != "" {
		text = msg.Caption
	}

	stored := persistence.ChatMessage{
		MessageID:    int64(msg.MessageID),
		ChatID:       msg.Chat.ID,
		Text:         text,
		Timestamp:    time.Unix(int64(msg.Date), 0),
		AttachmentID: attachmentID,
	}
	upd := dispatch.Update{
		ChatID:       msg.Chat.ID,
		MessageID:    int64(msg.MessageID),
		Text:         msg.Text,
		AttachmentID: attachmentID,
		Date:         stored.Timestamp,
	}
	if msg.From != nil {
		stored.FromUserID = msg.From.ID
		stored.FromUsername = msg.From.UserName
		upd.UserID = msg.From.ID
		upd.Username = msg.From.UserName
		upd.FirstName = msg.From.FirstName
	}
	if r := msg.ReplyToMessage; r != nil {
		upd.ReplyTo = &dispatch.ReplyRef{MessageID: int64(r.MessageID)}
		if r.From != nil {
			upd.ReplyTo.FromUserID = r.From.ID
		}
	}
	return stored, upd, true
}
