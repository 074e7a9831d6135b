package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/wtf-bot/internal/bus"
)

// ChatMessage is one inbound Telegram message. MessageID is assigned by
// Telegram and only unique within ChatID.
type ChatMessage struct {
	MessageID    int64
	ChatID       int64
	Text         string
	Timestamp    time.Time
	FromUserID   int64
	FromUsername string
	AttachmentID string
}

// HasAttachment reports whether the message carried a photo or document.
func (m ChatMessage) HasAttachment() bool {
	return m.AttachmentID != ""
}

// AppendMessage records msg. Redelivery of an already stored (chat, message)
// pair is ignored and reported as inserted=false.
func (s *Store) AppendMessage(ctx context.Context, msg ChatMessage) (inserted bool, err error) {
	if msg.ChatID == 0 || msg.MessageID == 0 {
		return false, fmt.Errorf("append message: chat_id and message_id are required")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	err = retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages (chat_id, message_id, text, sent_at, from_user_id, from_username, attachment_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, message_id) DO NOTHING;
		`, msg.ChatID, msg.MessageID, msg.Text, ts.Unix(), msg.FromUserID, msg.FromUsername, msg.AttachmentID)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}

	s.publish(bus.TopicMessageStored, bus.MessageStoredEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Duplicate: !inserted,
	})
	return inserted, nil
}

// FindAfter returns messages with message_id > afterID in ascending order.
// limit <= 0 returns all of them.
func (s *Store) FindAfter(ctx context.Context, chatID, afterID int64, limit int) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT chat_id, message_id, text, sent_at, from_user_id, from_username, attachment_id
		FROM chat_messages
		WHERE chat_id = ? AND message_id > ?
		ORDER BY message_id ASC
		LIMIT ?;
	`, chatID, afterID, sqlLimit(limit))
}

// FindFrom returns messages with message_id >= startID in ascending order.
func (s *Store) FindFrom(ctx context.Context, chatID, startID int64, limit int) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT chat_id, message_id, text, sent_at, from_user_id, from_username, attachment_id
		FROM chat_messages
		WHERE chat_id = ? AND message_id >= ?
		ORDER BY message_id ASC
		LIMIT ?;
	`, chatID, startID, sqlLimit(limit))
}

// FindLastN returns the newest n messages of a chat in ascending order.
func (s *Store) FindLastN(ctx context.Context, chatID int64, n int) ([]ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, `
		SELECT chat_id, message_id, text, sent_at, from_user_id, from_username, attachment_id
		FROM (
			SELECT * FROM chat_messages
			WHERE chat_id = ?
			ORDER BY message_id DESC
			LIMIT ?
		)
		ORDER BY message_id ASC;
	`, chatID, n)
}

// CountMessages returns how many messages are stored for a chat.
func (s *Store) CountMessages(ctx context.Context, chatID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE chat_id = ?;`, chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var sentAt int64
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.Text, &sentAt, &m.FromUserID, &m.FromUsername, &m.AttachmentID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(sentAt, 0).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// sqlLimit maps "no limit" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
