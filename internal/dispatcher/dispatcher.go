// Package dispatcher periodically scans for due ScheduledPosts and drives
// their execution through PostService.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postdispatch/internal/atproto/oauth"
	"postdispatch/internal/core/posts"
)

const (
	DefaultTickInterval = 60 * time.Second
	batchSize           = 100
	subBatchSize        = 10
	subBatchPause       = time.Second
	healthCheckInterval = 30 * time.Minute
	watchdogAge         = 10 * time.Minute
	shutdownDeadline    = 30 * time.Second

	maintenanceHourLocal = 3
	archiveCompletedAge  = 30 * 24 * time.Hour
	archiveFailedAge     = 7 * 24 * time.Hour
	purgeFailureAge      = 90 * 24 * time.Hour
)

// Config is Dispatcher's tunable behavior.
type Config struct {
	TickInterval time.Duration
}

// Dispatcher owns the periodic scan/batch/execute loop, a stalled-tick
// watchdog, and daily maintenance.
type Dispatcher struct {
	cfg     Config
	repo    posts.Repository
	service posts.Service
	tokens  oauth.TokenStore

	running  atomic.Bool
	lastTick atomic.Value // time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Dispatcher. cfg.TickInterval defaults to 60s if unset.
func New(cfg Config, repo posts.Repository, service posts.Service, tokens oauth.TokenStore) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Dispatcher{cfg: cfg, repo: repo, service: service, tokens: tokens}
}

// Start launches the tick loop, health watchdog, and maintenance loop as
// background goroutines tied to ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(3)
	go d.runTickLoop(ctx)
	go d.runHealthLoop(ctx)
	go d.runMaintenanceLoop(ctx)
}

// Stop cancels all loops and waits for an in-flight tick to drain, bounded
// by shutdownDeadline.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		slog.Warn("dispatcher shutdown deadline exceeded; exiting with a tick possibly in flight")
	}
}

// IsHealthy reports whether the tick loop has produced a tick recently
// enough to trust it is still scheduled.
func (d *Dispatcher) IsHealthy() bool {
	last, ok := d.lastTick.Load().(time.Time)
	if !ok {
		return true // hasn't had a chance to tick yet
	}
	return time.Since(last) <= 2*d.cfg.TickInterval
}

func (d *Dispatcher) runTickLoop(ctx context.Context) {
	defer d.wg.Done()
	d.runTickLoopOnce(ctx)
}

// runTickLoopOnce recovers from a panicking tick and restarts the ticker,
// the literal form of "verify the tick task is still scheduled and, if
// not, restart it" for the case a tick itself crashes the goroutine.
func (d *Dispatcher) runTickLoopOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatcher: tick loop panicked, restarting", "panic", r)
			if ctx.Err() == nil {
				go d.runTickLoopOnce(ctx)
			}
		}
	}()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one scan-batch-execute cycle, guarded against re-entrancy.
func (d *Dispatcher) tick(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		slog.Warn("dispatcher: tick skipped, previous tick still running")
		return
	}
	defer d.running.Store(false)
	defer d.lastTick.Store(time.Now())

	deadline := time.Now().Add(d.cfg.TickInterval - 5*time.Second)
	tickCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	due, err := d.repo.ListDue(tickCtx, time.Now(), batchSize)
	if err != nil {
		slog.Error("dispatcher: listing due posts failed", "error", err)
		return
	}

	for start := 0; start < len(due); start += subBatchSize {
		end := start + subBatchSize
		if end > len(due) {
			end = len(due)
		}
		d.runSubBatch(tickCtx, due[start:end])

		if end >= len(due) {
			break
		}
		select {
		case <-tickCtx.Done():
			return
		case <-time.After(subBatchPause):
		}
	}
}

// runSubBatch drives one round of execution for up to subBatchSize due
// posts concurrently. Thread members are folded onto their thread root
// and run once via ExecuteThread, which walks the whole thread in order;
// a due post with no thread is its own root. A single thread's error is
// logged and swallowed; it never aborts the batch.
func (d *Dispatcher) runSubBatch(ctx context.Context, batch []*posts.ScheduledPost) {
	var g errgroup.Group
	seen := make(map[string]bool, len(batch))
	for _, post := range batch {
		rootID := post.ID
		if post.ThreadRootID != nil {
			rootID = *post.ThreadRootID
		}
		if seen[rootID] {
			continue
		}
		seen[rootID] = true

		g.Go(func() error {
			if err := d.service.ExecuteThread(ctx, rootID); err != nil {
				slog.Error("dispatcher: thread execution failed", "threadRootId", rootID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) runHealthLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkHealth(ctx)
		}
	}
}

func (d *Dispatcher) checkHealth(ctx context.Context) {
	if !d.IsHealthy() {
		slog.Warn("dispatcher: tick loop appears stalled")
	}
	reclaimed, err := d.repo.ReclaimStuckExecuting(ctx, watchdogAge)
	if err != nil {
		slog.Error("dispatcher: reclaiming stuck posts failed", "error", err)
		return
	}
	if reclaimed > 0 {
		slog.Info("dispatcher: reclaimed posts stuck in EXECUTING", "count", reclaimed)
	}
}

func (d *Dispatcher) runMaintenanceLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		wait := time.Until(nextMaintenanceRun(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			d.runMaintenance(ctx)
		}
	}
}

// nextMaintenanceRun returns the next local 03:00 at or after now.
func nextMaintenanceRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), maintenanceHourLocal, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d *Dispatcher) runMaintenance(ctx context.Context) {
	if _, err := d.tokens.PurgeExpired(ctx); err != nil {
		slog.Error("dispatcher maintenance: purging expired sessions failed", "error", err)
	}
	if _, err := d.repo.ArchiveCompletedOlderThan(ctx, archiveCompletedAge); err != nil {
		slog.Error("dispatcher maintenance: archiving completed posts failed", "error", err)
	}
	if _, err := d.repo.ArchiveFailedOlderThan(ctx, archiveFailedAge); err != nil {
		slog.Error("dispatcher maintenance: archiving failed posts failed", "error", err)
	}
	if _, err := d.repo.PurgeFailureRecordsOlderThan(ctx, purgeFailureAge); err != nil {
		slog.Error("dispatcher maintenance: purging failure records failed", "error", err)
	}
	slog.Info("dispatcher: daily maintenance completed")
}
