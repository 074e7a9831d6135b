package dispatch

import "sync"

// Counters tracks, per chat, how many messages passed since the bot last
// replied or summarized. State is in-memory only.
type Counters struct {
	mu     sync.Mutex
	counts map[int64]int
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[int64]int)}
}

func (c *Counters) Get(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[chatID]
}

func (c *Counters) Increment(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[chatID]++
	return c.counts[chatID]
}

// Reset records a bot action in chatID.
func (c *Counters) Reset(chatID int64) {
	c.mu.Lock()
	delete(c.counts, chatID)
	c.mu.Unlock()
}
