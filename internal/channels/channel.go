// Package channels connects the bot to chat transports. Telegram is the only
// one: it long-polls updates, persists every message and hands it to the
// dispatcher.
package channels

import (
	"context"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
