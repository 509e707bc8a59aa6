// Package sweep runs the session worker lifecycle manager's three
// background sweeps — idle, long-stopped, and stale-sync — on independent
// tickers with a shared Start/Stop lifecycle.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runfleet/fleetcore/internal/worker"
)

// Config holds the dependencies and tunables for the Scheduler. Each
// interval defaults as noted when zero; Limit bounds candidates processed
// per tick for all three sweeps.
type Config struct {
	Manager *worker.Manager
	Logger  *slog.Logger

	IdleInterval       time.Duration // default 1 minute
	IdleCutoff         time.Duration // default 30 minutes
	LongStoppedInterval time.Duration // default 10 minutes
	LongStoppedCutoff   time.Duration // default 24 hours
	StaleSyncInterval  time.Duration // default 5 minutes
	StaleSyncCutoff    time.Duration // default 15 minutes

	Limit int // default 100
}

// Scheduler runs the three sweeps on their own tickers. All three stop
// together, when Stop is called or the context passed to Start is canceled.
type Scheduler struct {
	manager *worker.Manager
	logger  *slog.Logger

	idleInterval, longStoppedInterval, staleSyncInterval time.Duration
	idleCutoff, longStoppedCutoff, staleSyncCutoff        time.Duration
	limit                                                 int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config, filling in
// defaults for any zero duration/limit.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		manager:              cfg.Manager,
		logger:               logger,
		idleInterval:         orDefault(cfg.IdleInterval, time.Minute),
		idleCutoff:           orDefault(cfg.IdleCutoff, 30*time.Minute),
		longStoppedInterval:  orDefault(cfg.LongStoppedInterval, 10*time.Minute),
		longStoppedCutoff:    orDefault(cfg.LongStoppedCutoff, 24*time.Hour),
		staleSyncInterval:    orDefault(cfg.StaleSyncInterval, 5*time.Minute),
		staleSyncCutoff:      orDefault(cfg.StaleSyncCutoff, 15*time.Minute),
		limit:                cfg.Limit,
	}
	if s.limit <= 0 {
		s.limit = 100
	}
	return s
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start launches the three sweep loops in background goroutines. It
// returns immediately; call Stop to shut them down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.loop(ctx, "idle", s.idleInterval, func(now time.Time) {
		s.runIdle(ctx, now)
	})
	go s.loop(ctx, "long_stopped", s.longStoppedInterval, func(now time.Time) {
		s.runLongStopped(ctx, now)
	})
	go s.loop(ctx, "stale_sync", s.staleSyncInterval, func(now time.Time) {
		s.runStaleSync(ctx, now)
	})

	s.logger.Info("sweep scheduler started",
		"idle_interval", s.idleInterval, "long_stopped_interval", s.longStoppedInterval,
		"stale_sync_interval", s.staleSyncInterval)
}

// Stop cancels all sweep loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(now time.Time)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}

func (s *Scheduler) runIdle(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.idleCutoff)
	n, err := s.manager.SweepIdle(ctx, now, cutoff, s.limit)
	if err != nil {
		s.logger.Error("sweep idle failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep idle", "stopped", n)
	}
}

func (s *Scheduler) runLongStopped(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.longStoppedCutoff)
	n, err := s.manager.SweepLongStopped(ctx, now, cutoff, s.limit)
	if err != nil {
		s.logger.Error("sweep long-stopped failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep long-stopped", "deleted", n)
	}
}

func (s *Scheduler) runStaleSync(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.staleSyncCutoff)
	n, err := s.manager.SweepStaleSync(ctx, now, cutoff, s.limit)
	if err != nil {
		s.logger.Error("sweep stale-sync failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep stale-sync", "resynced", n)
	}
}
