// Package memory provides long-term, per-user memory for the conversational
// responder. Backends: Mem0 (hosted), a local sqlite table, or nothing.
package memory

import (
	"context"
	"fmt"
	"strings"
)

// Snippet is one retrieved fact.
type Snippet struct {
	ID     string
	Memory string
	Score  float64
}

// Turn is one conversation message handed to Add.
type Turn struct {
	Role    string // "user", "assistant" or "system"
	Content string
}

// Client stores and retrieves snippets scoped to a (chat, user) pair.
type Client interface {
	Search(ctx context.Context, query, scope string) ([]Snippet, error)
	Add(ctx context.Context, turns []Turn, scope string) error
}

// ScopeKey identifies one user within one chat.
func ScopeKey(chatID, userID int64) string {
	return fmt.Sprintf("%d-%d", chatID, userID)
}

// FormatForPrompt renders snippets as a bullet list for a system prompt.
func FormatForPrompt(snippets []Snippet) string {
	if len(snippets) == 0 {
		return "No relevant memories found."
	}
	lines := make([]string, 0, len(snippets))
	for _, s := range snippets {
		lines = append(lines, "- "+s.Memory)
	}
	return strings.Join(lines, "\n")
}

// Noop is a Client that remembers nothing.
type Noop struct{}

func (Noop) Search(context.Context, string, string) ([]Snippet, error) { return nil, nil }
func (Noop) Add(context.Context, []Turn, string) error                 { return nil }
