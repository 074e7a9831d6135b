package summarizer

import (
	"context"
	"fmt"

	"github.com/basket/wtf-bot/internal/persistence"
	"github.com/basket/wtf-bot/internal/tokenutil"
)

// Store is the persistence surface the summarizer reads and advances.
type Store interface {
	FindAfter(ctx context.Context, chatID, afterID int64, limit int) ([]persistence.ChatMessage, error)
	FindFrom(ctx context.Context, chatID, startID int64, limit int) ([]persistence.ChatMessage, error)
	FindLastN(ctx context.Context, chatID int64, n int) ([]persistence.ChatMessage, error)
	GetOrCreateCheckpoint(ctx context.Context, chatID, userID int64) (persistence.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, chatID, userID, messageID int64) (persistence.Checkpoint, error)
}

// window is the selected slice of history plus what to do with the
// checkpoint once it has been summarized successfully.
type window struct {
	messages []persistence.ChatMessage
	lines    []string
	anchored bool
	widened  bool
	// checkpoint is the value loaded before summarizing; 0 for anchored windows.
	checkpoint int64
	// advanceTo is the id the checkpoint moves to on success, 0 for none.
	advanceTo int64
}

func (w *window) start() int64 { return w.messages[0].MessageID }
func (w *window) end() int64   { return w.messages[len(w.messages)-1].MessageID }

func (s *Summarizer) selectWindow(ctx context.Context, req Request) (*window, error) {
	if req.AnchorID > 0 {
		msgs, err := s.store.FindFrom(ctx, req.ChatID, req.AnchorID, s.cfg.WindowCap)
		if err != nil {
			return nil, fmt.Errorf("load anchored window: %w", err)
		}
		if len(msgs) < s.cfg.MinMessages {
			return nil, ErrNotEnoughData
		}
		w := &window{anchored: true}
		w.setPrefix(msgs, s.cfg.MaxWindowTokens)
		return w, nil
	}

	cp, err := s.store.GetOrCreateCheckpoint(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	unseen, err := s.store.FindAfter(ctx, req.ChatID, cp.LastSummarizedMessageID, max(s.cfg.WindowCap, s.cfg.MinMessages))
	if err != nil {
		return nil, fmt.Errorf("load unseen messages: %w", err)
	}

	if len(unseen) >= s.cfg.MinMessages {
		if len(unseen) > s.cfg.WindowCap {
			unseen = unseen[:s.cfg.WindowCap]
		}
		w := &window{checkpoint: cp.LastSummarizedMessageID}
		w.setPrefix(unseen, s.cfg.MaxWindowTokens)
		// Only what was actually included is folded into the checkpoint.
		w.advanceTo = w.end()
		return w, nil
	}

	recent, err := s.store.FindLastN(ctx, req.ChatID, s.cfg.WindowCap)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	if len(recent) < minWidenedMessages {
		return nil, ErrNotEnoughData
	}
	w := &window{widened: true, checkpoint: cp.LastSummarizedMessageID}
	w.setSuffix(recent, s.cfg.MaxWindowTokens)
	// The widened window ends at the newest message; it covers every unseen
	// message unless the token budget cut into them.
	if len(unseen) == 0 || w.start() <= unseen[0].MessageID {
		w.advanceTo = w.end()
	}
	return w, nil
}

// setPrefix keeps the oldest messages that fit the token budget.
func (w *window) setPrefix(msgs []persistence.ChatMessage, budget int) {
	lines := renderLines(msgs)
	n := tokenutil.FitPrefix(lines, budget)
	w.messages, w.lines = msgs[:n], lines[:n]
}

// setSuffix keeps the newest messages that fit the token budget.
func (w *window) setSuffix(msgs []persistence.ChatMessage, budget int) {
	lines := renderLines(msgs)
	reversed := make([]string, len(lines))
	for i, l := range lines {
		reversed[len(lines)-1-i] = l
	}
	n := tokenutil.FitPrefix(reversed, budget)
	w.messages, w.lines = msgs[len(msgs)-n:], lines[len(lines)-n:]
}
