// Package engine is the bot's completion client: a provider-agnostic request
// type, a genkit-backed implementation per provider, a failover chain with
// circuit breakers and JSON-schema validation of structured replies.
package engine

import (
	"context"
	"errors"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion call.
type Request struct {
	// Name labels the call in logs and spans ("router", "summary", "reply").
	Name        string
	System      string
	History     []Message
	Prompt      string
	Temperature float64
	MaxTokens   int
	// Schema, when set, asks for a JSON object and validates the reply.
	Schema *StructuredValidator
}

// Response is the outcome of a successful call. JSON and Parsed are only set
// for schema requests.
type Response struct {
	Text     string
	JSON     string
	Parsed   any
	Provider string
	Model    string
	// Token usage as reported by the provider; zero when unknown.
	InputTokens  int
	OutputTokens int
}

// Completer generates model output. Implementations return *ProviderError for
// transport/provider failures and *SchemaViolation when a structured reply
// does not match Request.Schema.
type Completer interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (Response, error)

func (f CompleterFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// StaticCompleter is used when no provider has credentials. Every call fails
// with a non-retryable AUTH error so callers take their fallback path.
type StaticCompleter struct {
	Reason string
}

func (s StaticCompleter) Generate(_ context.Context, _ Request) (Response, error) {
	reason := s.Reason
	if reason == "" {
		reason = "no LLM provider configured"
	}
	return Response{}, &ProviderError{Provider: "none", Class: ErrorClassAuth, Err: errors.New(reason)}
}
