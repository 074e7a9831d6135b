package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/wtf-bot/internal/persistence"
)

// MemoryStore is the subset of the sqlite store the local backend needs.
type MemoryStore interface {
	AddMemory(ctx context.Context, scope, content, source string) error
	SearchMemories(ctx context.Context, scope, query string, limit int) ([]persistence.Memory, error)
}

// LocalClient keeps what users said in sqlite and retrieves it by term
// overlap. Assistant turns are not stored; they are derived text.
type LocalClient struct {
	store MemoryStore
	limit int
}

func NewLocalClient(store MemoryStore, limit int) *LocalClient {
	if limit <= 0 {
		limit = 5
	}
	return &LocalClient{store: store, limit: limit}
}

func (l *LocalClient) Search(ctx context.Context, query, scope string) ([]Snippet, error) {
	mems, err := l.store.SearchMemories(ctx, scope, query, l.limit)
	if err != nil {
		return nil, fmt.Errorf("local memory search: %w", err)
	}
	out := make([]Snippet, 0, len(mems))
	for _, m := range mems {
		out = append(out, Snippet{ID: fmt.Sprint(m.ID), Memory: m.Content, Score: m.RelevanceScore})
	}
	return out, nil
}

func (l *LocalClient) Add(ctx context.Context, turns []Turn, scope string) error {
	for _, t := range turns {
		if t.Role != "user" || strings.TrimSpace(t.Content) == "" {
			continue
		}
		if err := l.store.AddMemory(ctx, scope, t.Content, "user"); err != nil {
			return fmt.Errorf("local memory add: %w", err)
		}
	}
	return nil
}
