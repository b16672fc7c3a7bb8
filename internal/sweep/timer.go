package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner performs one periodic sweep under the lease. Timer and
// CronTrigger both drive it.
type Runner struct {
	sweeper *Sweeper
	lease   Lease
	limit   int
	logger  *slog.Logger
}

// NewRunner creates a periodic runner. A nil lease uses a LocalLease.
func NewRunner(sweeper *Sweeper, lease Lease, limit int, logger *slog.Logger) *Runner {
	if lease == nil {
		lease = NewLocalLease()
	}
	return &Runner{sweeper: sweeper, lease: lease, limit: limit, logger: logger}
}

// RunOnce sweeps every tenant if this replica holds the lease. It returns
// a nil result when another holder is running.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	ok, err := r.lease.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		leaseSkips.Inc()
		r.logger.Debug("sweep lease held elsewhere, skipping run")
		return nil, nil
	}
	defer func() {
		if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release sweep lease", "error", err)
		}
	}()
	return r.sweeper.SweepOverdue(ctx, Options{Limit: r.limit})
}

func (r *Runner) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in sweep run", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("sweep run failed", "error", err)
	}
}

// Timer runs the sweep on a fixed interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(runner *Runner, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{runner: runner, interval: interval, stop: make(chan struct{})}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runner.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// CronTrigger runs the sweep on a cron schedule instead of an interval.
type CronTrigger struct {
	runner   *Runner
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

// NewCronTrigger creates a cron-driven sweep trigger.
func NewCronTrigger(runner *Runner, schedule string) *CronTrigger {
	return &CronTrigger{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start validates and installs the schedule. It stops when ctx is
// cancelled.
func (c *CronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := cron.ParseStandard(c.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.schedule, err)
	}
	if _, err := c.cron.AddFunc(c.schedule, func() { c.runner.safeRun(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.cron.Start()
	c.running = true
	c.runner.logger.Info("sweep cron started", "schedule", c.schedule)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Running reports whether the schedule is installed.
func (c *CronTrigger) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop removes the schedule and waits for a running sweep to finish.
func (c *CronTrigger) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		<-c.cron.Stop().Done()
		c.running = false
	}
}
