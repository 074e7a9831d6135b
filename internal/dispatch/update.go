package dispatch

import (
	"context"
	"errors"
	"time"
)

// Update is an inbound chat message, normalized away from the transport.
type Update struct {
	ChatID    int64
	MessageID int64
	UserID    int64
	Username  string
	FirstName string
	// Text is the message text; empty for media messages.
	Text         string
	AttachmentID string
	Date         time.Time
	ReplyTo      *ReplyRef
}

// ReplyRef identifies the message an update replies to.
type ReplyRef struct {
	MessageID  int64
	FromUserID int64
}

// DisplayName is the username, or the first name when there is none.
func (u Update) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

// Parse modes understood by Sender.
const (
	ParseModeNone       = ""
	ParseModeMarkdownV2 = "MarkdownV2"
	ParseModeHTML       = "HTML"
)

// SendOptions qualify an outbound message.
type SendOptions struct {
	ParseMode        string
	ReplyToMessageID int64
}

// Sender delivers outbound messages. SendMessage returns the id of the last
// message sent. Long text goes out in several messages; a message whose
// markup is rejected is resent as plain text by the implementation. Errors
// wrap ErrMarkupRejected and ErrDeliveryTerminal.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int64, error)
	SendTyping(ctx context.Context, chatID int64) error
}

var (
	// ErrMarkupRejected means the transport could not parse the message markup.
	ErrMarkupRejected = errors.New("dispatch: markup rejected")
	// ErrDeliveryTerminal means retrying the send cannot help (bot blocked,
	// chat gone, message not found).
	ErrDeliveryTerminal = errors.New("dispatch: delivery rejected")
)
