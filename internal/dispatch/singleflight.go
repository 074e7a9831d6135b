package dispatch

import (
	"fmt"
	"sync"
)

// Single-flight key policies.
const (
	KeyByChat = "chat"
	KeyByUser = "user"
)

// SingleFlight is the set of actor keys with a handler in progress. Entries
// live only while their handler runs.
type SingleFlight struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewSingleFlight() *SingleFlight {
	return &SingleFlight{busy: make(map[string]struct{})}
}

// TryAcquire marks key busy. It returns false if key is already busy.
func (s *SingleFlight) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[key]; ok {
		return false
	}
	s.busy[key] = struct{}{}
	return true
}

func (s *SingleFlight) Release(key string) {
	s.mu.Lock()
	delete(s.busy, key)
	s.mu.Unlock()
}

// Len returns the number of busy keys.
func (s *SingleFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.busy)
}

// ActorKey derives the single-flight key for u under policy.
func ActorKey(policy string, u Update) string {
	if policy == KeyByUser {
		return fmt.Sprintf("user:%d", u.UserID)
	}
	return fmt.Sprintf("chat:%d", u.ChatID)
}
