package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint records the last message folded into a summary for one
// (chat, user) pair. LastSummarizedMessageID never decreases.
type Checkpoint struct {
	ChatID                  int64
	UserID                  int64
	LastSummarizedMessageID int64
}

// GetOrCreateCheckpoint loads the checkpoint for (chatID, userID), creating it
// on first use. A new checkpoint starts at the highest value any other user
// already has in the same chat, or 0.
func (s *Store) GetOrCreateCheckpoint(ctx context.Context, chatID, userID int64) (Checkpoint, error) {
	cp := Checkpoint{ChatID: chatID, UserID: userID}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT last_summarized_message_id FROM summarization_checkpoints
			WHERE chat_id = ? AND user_id = ?;
		`, chatID, userID).Scan(&cp.LastSummarizedMessageID)
		if err == nil {
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(last_summarized_message_id), 0) FROM summarization_checkpoints
			WHERE chat_id = ?;
		`, chatID).Scan(&cp.LastSummarizedMessageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summarization_checkpoints (chat_id, user_id, last_summarized_message_id)
			VALUES (?, ?, ?);
		`, chatID, userID, cp.LastSummarizedMessageID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get or create checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint moves the checkpoint forward to messageID. A lower value
// than the stored one is a no-op; the stored checkpoint is returned.
func (s *Store) AdvanceCheckpoint(ctx context.Context, chatID, userID, messageID int64) (Checkpoint, error) {
	cp := Checkpoint{ChatID: chatID, UserID: userID}
	err := retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO summarization_checkpoints (chat_id, user_id, last_summarized_message_id)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET
				last_summarized_message_id = MAX(last_summarized_message_id, excluded.last_summarized_message_id),
				updated_at = CURRENT_TIMESTAMP;
		`, chatID, userID, messageID); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `
			SELECT last_summarized_message_id FROM summarization_checkpoints
			WHERE chat_id = ? AND user_id = ?;
		`, chatID, userID).Scan(&cp.LastSummarizedMessageID)
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("advance checkpoint: %w", err)
	}
	return cp, nil
}
