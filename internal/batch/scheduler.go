// Package batch provides a periodic scheduler that sweeps each user's
// unbatched ledger entries into batches on a cron cadence.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the batch scheduler.
type Config struct {
	Store      *persistence.Store
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
	CronExpr   string        // batching cadence; defaults to hourly
	MinEntries int           // smallest unbatched backlog worth batching; defaults to 1
	MaxEntries int           // cap on members per created batch; defaults to 500
}

// Scheduler periodically finds users with enough unbatched entries and
// aggregates them into batches.
type Scheduler struct {
	store      *persistence.Store
	logger     *slog.Logger
	interval   time.Duration
	cronExpr   string
	minEntries int
	maxEntries int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextRun time.Time
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cronExpr := cfg.CronExpr
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	minEntries := cfg.MinEntries
	if minEntries < 1 {
		minEntries = 1
	}
	maxEntries := cfg.MaxEntries
	if maxEntries < 1 {
		maxEntries = 500
	}
	return &Scheduler{
		store:      cfg.Store,
		logger:     logger,
		interval:   interval,
		cronExpr:   cronExpr,
		minEntries: minEntries,
		maxEntries: maxEntries,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("batch scheduler started",
		"interval", s.interval,
		"cron", s.cronExpr,
		"min_entries", s.minEntries)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("batch scheduler stopped")
}

// loop ticks at the configured interval and runs a sweep whenever the cron
// cadence is due.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on cadence.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			s.mu.Unlock()
			if due {
				s.Sweep(ctx)
			}
		}
	}
}

// Sweep batches every user whose unbatched backlog meets the minimum, then
// advances the next due time. It returns the number of batches created.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := time.Now()
	created := 0

	users, err := s.store.UsersWithUnbatched(ctx, s.minEntries)
	if err != nil {
		s.logger.Error("batch: failed to query unbatched users", "error", err)
	} else {
		for _, userID := range users {
			if ctx.Err() != nil {
				break
			}
			ids, err := s.store.UnbatchedEntryIDs(ctx, userID, s.maxEntries)
			if err != nil {
				s.logger.Error("batch: failed to list unbatched entries",
					"user_id", userID,
					"error", err)
				continue
			}
			if len(ids) < s.minEntries {
				continue
			}
			b, err := s.store.CreateBatch(ctx, userID, ids)
			if err != nil {
				// A producer batching its own entries concurrently is expected,
				// not an operator problem.
				if ledger.IsConflict(err) {
					s.logger.Warn("batch: sweep lost race to concurrent batch",
						"user_id", userID)
				} else {
					s.logger.Error("batch: failed to create batch",
						"user_id", userID,
						"error", err)
				}
				continue
			}
			created++
			s.logger.Info("batch: created",
				"batch_id", b.ID,
				"user_id", userID,
				"entry_count", b.EntryCount,
				"root_hash", b.RootHash)
		}
	}

	next, err := NextRunTime(s.cronExpr, now)
	if err != nil {
		s.logger.Error("batch: failed to compute next run time",
			"cron_expr", s.cronExpr,
			"error", err)
		next = now.Add(time.Hour)
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
	return created
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
