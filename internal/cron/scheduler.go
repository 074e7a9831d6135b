// Package cron runs the bot's scheduled maintenance: message retention and
// local memory decay on a 5-field cron expression.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/wtf-bot/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// nextRunKey persists the next due time so a restart does not skip or repeat a run.
const nextRunKey = "cron.retention.next_run"

// DefaultMinRelevance is the relevance below which decayed memories are purged.
const DefaultMinRelevance = 0.05

// Store is the slice of persistence.Store the scheduler needs.
type Store interface {
	RunRetention(ctx context.Context, messageDays int, minRelevance float64) (persistence.RetentionResult, error)
	DecayMemories(ctx context.Context, factor float64) error
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    Store
	Logger   *slog.Logger
	Schedule string        // cron expression, e.g. "17 4 * * *"
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	MessageDays  int     // 0 keeps messages forever
	MemoryDecay  float64 // multiplier applied per run; 0 or 1 disables decay
	MinRelevance float64 // defaults to DefaultMinRelevance

	Now func() time.Time
}

// Scheduler periodically checks whether the retention job is due and runs it.
type Scheduler struct {
	store        Store
	logger       *slog.Logger
	schedule     cronlib.Schedule
	expr         string
	interval     time.Duration
	messageDays  int
	memoryDecay  float64
	minRelevance float64
	now          func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	minRelevance := cfg.MinRelevance
	if minRelevance <= 0 {
		minRelevance = DefaultMinRelevance
	}
	return &Scheduler{
		store:        cfg.Store,
		logger:       logger,
		schedule:     sched,
		expr:         cfg.Schedule,
		interval:     interval,
		messageDays:  cfg.MessageDays,
		memoryDecay:  cfg.MemoryDecay,
		minRelevance: minRelevance,
		now:          now,
	}, nil
}

// Start loads the persisted next-run time and begins the scheduler loop in a
// background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.loadNextRun(ctx)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "next_run_at", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun reports when the job is next due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loadNextRun(ctx context.Context) {
	now := s.now()
	next := s.schedule.Next(now)
	raw, err := s.store.KVGet(ctx, nextRunKey)
	if err != nil {
		s.logger.Warn("cron: failed to load next run", "error", err)
	} else if raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			next = t
		}
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.NextRun()) {
		return
	}
	s.RunOnce(ctx)

	next := s.schedule.Next(now)
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
	if err := s.store.KVSet(ctx, nextRunKey, next.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: failed to persist next run", "error", err)
	}
}

// RunOnce decays local memories and purges expired rows.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.memoryDecay > 0 && s.memoryDecay < 1 {
		if err := s.store.DecayMemories(ctx, s.memoryDecay); err != nil {
			s.logger.Error("cron: memory decay failed", "error", err)
		}
	}
	res, err := s.store.RunRetention(ctx, s.messageDays, s.minRelevance)
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return
	}
	s.logger.Info("cron: retention completed",
		"purged_messages", res.PurgedMessages,
		"purged_memories", res.PurgedMemories,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
