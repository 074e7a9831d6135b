package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/wtf-bot/internal/bus"
	"github.com/basket/wtf-bot/internal/dispatch"
	"github.com/basket/wtf-bot/internal/summarizer"
)

type fakeBot struct {
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendFn   func(call int, msg tgbotapi.MessageConfig) error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	f.sent = append(f.sent, msg)
	if f.sendFn != nil {
		if err := f.sendFn(len(f.sent), msg); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{MessageID: 100 + len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestSplitMessage(t *testing.T) {
	chunks := SplitMessage(strings.Repeat("a", 9000), MaxMessageUnits)
	if len(chunks) != 3 || len(chunks[0]) != 4095 || len(chunks[1]) != 4095 || len(chunks[2]) != 810 {
		t.Fatalf("chunk sizes = %d", len(chunks))
	}
	if strings.Join(chunks, "") != strings.Repeat("a", 9000) {
		t.Fatal("chunks lost text")
	}

	got := SplitMessage("жжжжж", 2)
	if len(got) != 3 || got[0] != "жж" || got[1] != "жж" || got[2] != "ж" {
		t.Fatalf("SplitMessage(cyrillic) = %q", got)
	}
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("SplitMessage(short) = %q", got)
	}
	if got := SplitMessage("", 10); len(got) != 0 {
		t.Fatalf("SplitMessage(empty) = %q", got)
	}
}

func TestSplitMessage_CountsUTF16Units(t *testing.T) {
	// Each emoji outside the BMP is two UTF-16 units.
	text := strings.Repeat("😀", 3000)
	chunks := SplitMessage(text, MaxMessageUnits)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if n := utf16Len(c); n > MaxMessageUnits {
			t.Fatalf("chunk has %d units", n)
		}
	}
	// 2047 emoji fill 4094 units; a pair is never split to reach 4095.
	if utf16Len(chunks[0]) != 4094 || strings.Join(chunks, "") != text {
		t.Fatalf("first chunk = %d units", utf16Len(chunks[0]))
	}
}

func TestSplitMessage_KeepsEscapesWhole(t *testing.T) {
	text := strings.Repeat("a", 4094) + `\.`
	chunks := SplitMessage(text, MaxMessageUnits)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if strings.HasSuffix(chunks[0], `\`) {
		t.Fatalf("first chunk ends with a dangling escape")
	}
	if chunks[1] != `\.` {
		t.Fatalf("second chunk = %q", chunks[1])
	}

	// An escaped backslash is a complete pair and may end a chunk.
	pair := strings.Repeat("a", 4093) + `\\` + "tail"
	chunks = SplitMessage(pair, MaxMessageUnits)
	if len(chunks) != 2 || !strings.HasSuffix(chunks[0], `\\`) || chunks[1] != "tail" {
		t.Fatalf("chunks = %d, second = %q", len(chunks), chunks[len(chunks)-1])
	}
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	first := strings.Repeat("a", 3000) + "\n"
	text := first + strings.Repeat("b", 2000)
	chunks := SplitMessage(text, MaxMessageUnits)
	if len(chunks) != 2 || chunks[0] != first || chunks[1] != strings.Repeat("b", 2000) {
		t.Fatalf("chunk sizes = %d/%d", len(chunks[0]), len(chunks[len(chunks)-1]))
	}

	// A newline early in the piece would waste most of a message.
	early := strings.Repeat("a", 100) + "\n" + strings.Repeat("b", 5000)
	chunks = SplitMessage(early, MaxMessageUnits)
	if len(chunks[0]) != MaxMessageUnits {
		t.Fatalf("first chunk = %d, want full", len(chunks[0]))
	}
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func TestSender_MarkupRejectedChunkResentPlain(t *testing.T) {
	bot := &fakeBot{sendFn: func(call int, msg tgbotapi.MessageConfig) error {
		if call == 2 {
			return errors.New("Bad Request: can't parse entities: can't find end of Bold entity")
		}
		return nil
	}}
	s := NewTelegramSender(bot, RetryOptions{})
	text := strings.Repeat("a", 4095) + `*unterminated \(x\)`

	id, err := s.SendMessage(context.Background(), 7, text, dispatch.SendOptions{ParseMode: dispatch.ParseModeMarkdownV2})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.sent) != 3 {
		t.Fatalf("sends = %d, want 3", len(bot.sent))
	}
	if bot.sent[0].Text != strings.Repeat("a", 4095) || bot.sent[0].ParseMode != dispatch.ParseModeMarkdownV2 {
		t.Fatalf("first chunk = %d chars, mode %q", len(bot.sent[0].Text), bot.sent[0].ParseMode)
	}
	if bot.sent[2].ParseMode != dispatch.ParseModeNone || bot.sent[2].Text != "*unterminated (x)" {
		t.Fatalf("plain resend = %q mode %q", bot.sent[2].Text, bot.sent[2].ParseMode)
	}
	if id != 103 {
		t.Fatalf("id = %d, want 103", id)
	}
}

type summarizeFunc func(ctx context.Context, req summarizer.Request) (summarizer.Result, error)

func (f summarizeFunc) Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error) {
	return f(ctx, req)
}

func TestSender_LongSummaryDeliveredOnce(t *testing.T) {
	var delivered []string
	bot := &fakeBot{sendFn: func(_ int, msg tgbotapi.MessageConfig) error {
		// Telegram rejects an entity that is opened but never closed.
		if msg.ParseMode == dispatch.ParseModeMarkdownV2 && strings.Count(msg.Text, "*")%2 == 1 {
			return errors.New("Bad Request: can't parse entities: can't find end of Bold entity")
		}
		delivered = append(delivered, msg.Text)
		return nil
	}}
	summary := strings.Repeat("a", 4095) + "*unterminated"
	h := &dispatch.Handlers{
		Sender: NewTelegramSender(bot, RetryOptions{}),
		Summarizer: summarizeFunc(func(context.Context, summarizer.Request) (summarizer.Result, error) {
			return summarizer.Result{Text: summary}, nil
		}),
	}

	if err := h.WTF(context.Background(), dispatch.Update{ChatID: 7, MessageID: 9, Text: "/wtf"}); err != nil {
		t.Fatalf("WTF: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(delivered))
	}
	if delivered[0] != strings.Repeat("a", 4095) || delivered[1] != "*unterminated" {
		t.Fatalf("delivered = %d chars then %q", len(delivered[0]), delivered[1])
	}
	if bot.sent[2].ParseMode != dispatch.ParseModeNone || bot.sent[2].ReplyToMessageID != 9 {
		t.Fatalf("plain resend = %+v", bot.sent[2].BaseChat)
	}
}

func TestSender_ChunksLongText(t *testing.T) {
	bot := &fakeBot{}
	s := NewTelegramSender(bot, RetryOptions{})
	text := strings.Repeat("x", 4000) + strings.Repeat("y", 4000) + strings.Repeat("z", 1000)

	id, err := s.SendMessage(context.Background(), 7, text, dispatch.SendOptions{ReplyToMessageID: 3})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.sent) != 3 {
		t.Fatalf("sends = %d, want 3", len(bot.sent))
	}
	var rejoined strings.Builder
	for _, m := range bot.sent {
		if utf16Len(m.Text) > MaxMessageUnits {
			t.Fatalf("chunk too long: %d", len(m.Text))
		}
		if m.ReplyToMessageID != 3 || !m.AllowSendingWithoutReply || m.ChatID != 7 {
			t.Fatalf("chunk options = %+v", m.BaseChat)
		}
		rejoined.WriteString(m.Text)
	}
	if rejoined.String() != text {
		t.Fatal("chunks out of order")
	}
	if id != 103 {
		t.Fatalf("id = %d, want last chunk 103", id)
	}
}

func TestSender_RetriesTransientErrors(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSendRetried)
	defer b.Unsubscribe(sub)

	bot := &fakeBot{sendFn: func(call int, _ tgbotapi.MessageConfig) error {
		if call < 3 {
			return errors.New("Post \"https://api.telegram.org\": connection reset by peer")
		}
		return nil
	}}
	var delays []time.Duration
	s := NewTelegramSender(bot, RetryOptions{Sleep: recordSleep(&delays), Bus: b})

	if _, err := s.SendMessage(context.Background(), 1, "hi", dispatch.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.sent) != 3 {
		t.Fatalf("attempts = %d", len(bot.sent))
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v", delays)
	}
	if len(sub.Ch()) != 2 {
		t.Fatalf("send.retried events = %d", len(sub.Ch()))
	}
}

func TestSender_GivesUpAfterFiveAttempts(t *testing.T) {
	bot := &fakeBot{sendFn: func(int, tgbotapi.MessageConfig) error { return errors.New("Internal Server Error") }}
	var delays []time.Duration
	s := NewTelegramSender(bot, RetryOptions{Sleep: recordSleep(&delays)})

	if _, err := s.SendMessage(context.Background(), 1, "hi", dispatch.SendOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if len(bot.sent) != 5 {
		t.Fatalf("attempts = %d, want 5", len(bot.sent))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestSender_RetryAfterHint(t *testing.T) {
	bot := &fakeBot{sendFn: func(call int, _ tgbotapi.MessageConfig) error {
		if call == 1 {
			return &tgbotapi.Error{Code: 429, Message: "Too Many Requests: retry after 7", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}}
		}
		return nil
	}}
	var delays []time.Duration
	s := NewTelegramSender(bot, RetryOptions{Sleep: recordSleep(&delays)})
	if _, err := s.SendMessage(context.Background(), 1, "hi", dispatch.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(delays) != 1 || delays[0] != 7*time.Second {
		t.Fatalf("delays = %v", delays)
	}
}

func TestSender_TerminalErrors(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Forbidden: bot was blocked by the user", dispatch.ErrDeliveryTerminal},
		{"Forbidden: user is deactivated", dispatch.ErrDeliveryTerminal},
		{"Bad Request: chat not found", dispatch.ErrDeliveryTerminal},
		{"Bad Request: message is not modified", dispatch.ErrDeliveryTerminal},
		{"Bad Request: can't parse entities: Character '.' is reserved", dispatch.ErrMarkupRejected},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			bot := &fakeBot{sendFn: func(int, tgbotapi.MessageConfig) error {
				return &tgbotapi.Error{Code: 400, Message: tt.msg}
			}}
			var delays []time.Duration
			s := NewTelegramSender(bot, RetryOptions{Sleep: recordSleep(&delays)})

			_, err := s.SendMessage(context.Background(), 1, "hi", dispatch.SendOptions{ParseMode: dispatch.ParseModeMarkdownV2})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(bot.sent) != 1 || len(delays) != 0 {
				t.Fatalf("attempts = %d, delays = %v", len(bot.sent), delays)
			}
			if bot.sent[0].ParseMode != dispatch.ParseModeMarkdownV2 {
				t.Fatalf("parse mode = %q", bot.sent[0].ParseMode)
			}
		})
	}
}

func TestSender_StopsOnCancelledSleep(t *testing.T) {
	bot := &fakeBot{sendFn: func(int, tgbotapi.MessageConfig) error { return errors.New("timeout") }}
	s := NewTelegramSender(bot, RetryOptions{Sleep: func(context.Context, time.Duration) error { return context.Canceled }})
	_, err := s.SendMessage(context.Background(), 1, "hi", dispatch.SendOptions{})
	if !errors.Is(err, context.Canceled) || len(bot.sent) != 1 {
		t.Fatalf("err = %v, attempts = %d", err, len(bot.sent))
	}
}

func TestSender_Typing(t *testing.T) {
	bot := &fakeBot{}
	s := NewTelegramSender(bot, RetryOptions{})
	if err := s.SendTyping(context.Background(), 5); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	action, ok := bot.requests[0].(tgbotapi.ChatActionConfig)
	if !ok || action.Action != tgbotapi.ChatTyping || action.ChatID != 5 {
		t.Fatalf("request = %+v", bot.requests)
	}
}
