package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/guardrail/internal/amount"
)

// DefaultRolloverSchedule runs at midnight UTC on the first of each month.
const DefaultRolloverSchedule = "0 0 1 * *"

// Rollover starts a new accounting period for every budget whose period
// differs from now's: Spent resets to zero, Reserved carries over because
// those holds are still outstanding. Returns the number of scopes rolled.
func (l *Ledger) Rollover(ctx context.Context, now time.Time) (int, error) {
	accounts, err := l.store.ListAccounts(ctx, "")
	if err != nil {
		return 0, err
	}
	current := period(now)
	rolled := 0
	var errs []error
	for _, acct := range accounts {
		if acct.Budget == nil || acct.Budget.Period == current {
			continue
		}
		_, err := l.mutate(ctx, "rollover", acct.ScopeKey, nil, func(a *Account) (*Entry, error) {
			if a.Budget == nil || a.Budget.Period == current {
				return nil, errAlreadyRolled
			}
			spent := a.Budget.Spent
			a.Budget.Spent = amount.Format(nil)
			a.Budget.Period = current
			return &Entry{Type: EntryRollover, Amount: spent, Reference: current}, nil
		})
		switch {
		case errors.Is(err, errAlreadyRolled):
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", acct.ScopeKey, err))
		default:
			rolled++
		}
	}
	return rolled, errors.Join(errs...)
}

var errAlreadyRolled = errors.New("already rolled")

// RolloverScheduler runs Rollover on a cron schedule.
type RolloverScheduler struct {
	ledger   *Ledger
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	mu       sync.Mutex
	running  bool
}

// NewRolloverScheduler creates a scheduler; an empty schedule uses
// DefaultRolloverSchedule.
func NewRolloverScheduler(l *Ledger, schedule string, logger *slog.Logger) *RolloverScheduler {
	if schedule == "" {
		schedule = DefaultRolloverSchedule
	}
	return &RolloverScheduler{
		ledger:   l,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With("component", "ledger.rollover"),
	}
}

// Start validates the schedule, runs one catch-up rollover, and schedules
// the rest. It stops when ctx is cancelled.
func (s *RolloverScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule rollover: %w", err)
	}

	s.run(ctx)
	s.cron.Start()
	s.running = true
	s.logger.Info("rollover scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *RolloverScheduler) run(ctx context.Context) {
	n, err := s.ledger.Rollover(ctx, s.ledger.now())
	if err != nil {
		s.logger.Error("budget rollover failed", "rolled", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("budget period rolled over", "scopes", n)
	}
}

// Stop stops the scheduler and waits for a running rollover to finish.
func (s *RolloverScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}

// NextRun returns the next scheduled rollover, or nil when not running.
func (s *RolloverScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
