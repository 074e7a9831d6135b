package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatIDKey struct{}
type userIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChat attaches the chat and sender of the update being handled.
func WithChat(ctx context.Context, chatID, userID int64) context.Context {
	ctx = context.WithValue(ctx, chatIDKey{}, chatID)
	return context.WithValue(ctx, userIDKey{}, userID)
}

// ChatID extracts chat_id from context. Returns 0 if absent.
func ChatID(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// UserID extracts user_id from context. Returns 0 if absent.
func UserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(userIDKey{}).(int64); ok {
		return v
	}
	return 0
}
