// Package cron runs the background janitor: idle TaskLocks are swept on a
// cron schedule and old archive rows are pruned.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/workforce/internal/persistence"
	"github.com/basket/workforce/internal/tasklock"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the janitor dependencies.
type Config struct {
	Locks    *tasklock.Registry
	Store    *persistence.Store // optional; enables archive pruning
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to every 5 minutes
	IdleTTL  time.Duration // idle TaskLock lifetime; defaults to 1 hour
	// RetentionDays prunes archive rows older than this. 0 keeps forever.
	RetentionDays int
}

// Janitor sweeps idle TaskLocks and prunes the archive on a cron schedule.
type Janitor struct {
	locks     *tasklock.Registry
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	idleTTL   time.Duration
	retention int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a Janitor; invalid schedules fall back to every 5 minutes.
func NewJanitor(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		logger.Warn("invalid janitor schedule, using default", "schedule", expr, "error", err)
		sched, _ = cronParser.Parse("*/5 * * * *")
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = time.Hour
	}
	return &Janitor{
		locks:     cfg.Locks,
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		idleTTL:   idle,
		retention: cfg.RetentionDays,
	}
}

// Start begins the janitor loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "idle_ttl", j.idleTTL)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()
	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	if j.locks != nil {
		removed := j.locks.Sweep(j.idleTTL)
		if len(removed) > 0 {
			j.logger.Info("janitor swept projects", "projects", removed)
		}
	}
	if j.store != nil && j.retention > 0 {
		cutoff := time.Now().AddDate(0, 0, -j.retention)
		n, err := j.store.PruneBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("janitor prune failed", "error", err)
		} else if n > 0 {
			j.logger.Info("janitor pruned archive rows", "rows", n)
		}
	}
}
