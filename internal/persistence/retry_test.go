package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"constraint", errors.New("UNIQUE constraint failed: chat_messages.chat_id"), false},
		{"locked", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"busy code", errors.New("SQLITE_BUSY (5)"), true},
		{"locked code", errors.New("SQLITE_LOCKED (6)"), true},
		{"wrapped append", fmt.Errorf("append message: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.want {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	tests := []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, nil, 1, false},
		{"busy then stored", 3, 2, locked, 3, false},
		{"not busy", 3, 5, errors.New("no such table: chat_messages"), 1, true},
		{"exhausted", 2, 10, locked, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.retries, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsWhenShutdownCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// A second writer holding the database lock must delay, not drop, an
// incoming chat message.
func TestAppendMessage_WaitsForConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wtfbot.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	other, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { other.Close() })
	conn, err := other.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE;`); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, message_id, text, sent_at, from_user_id, from_username, attachment_id)
		VALUES (1, 1, 'held', 0, 7, 'alice', '');
	`); err != nil {
		t.Fatalf("insert under lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.AppendMessage(ctx, ChatMessage{ChatID: 1, MessageID: 2, Text: "waiting", FromUserID: 8, FromUsername: "bob"})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("append finished while the lock was held: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	if _, err := conn.ExecContext(ctx, `COMMIT;`); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("AppendMessage did not finish after the lock was released")
	}

	msgs, err := store.FindAfter(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("FindAfter: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "held" || msgs[1].Text != "waiting" {
		t.Fatalf("messages = %+v", msgs)
	}
}
