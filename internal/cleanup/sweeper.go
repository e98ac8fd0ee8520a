package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avandra/agora/internal/identity"
	"github.com/avandra/agora/internal/store"
)

const tickInterval = 60 * time.Second

// SweeperConfig controls the periodic retention sweep.
type SweeperConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule      string
	RetentionDays int
	Archive       bool
	// AgentStaleAfter flips agents that have not been seen for this
	// long to offline. Zero disables the check.
	AgentStaleAfter time.Duration
}

// Sweeper runs the cleanup service on a cron schedule. The loop ticks
// once a minute and fires when the schedule's next activation has
// passed, so a missed activation is run on the following tick.
type Sweeper struct {
	service  *Service
	store    store.Store
	cfg      SweeperConfig
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
}

// NewSweeper creates a sweeper; the cron expression is parsed eagerly
// so a bad schedule fails at construction.
func NewSweeper(service *Service, s store.Store, cfg SweeperConfig, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		store:    s,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start launches the background sweep loop.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.done != nil {
		sw.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.done = make(chan struct{})
	sw.nextRun = sw.schedule.Next(time.Now().UTC())
	sw.mu.Unlock()

	go sw.loop(loopCtx)
	sw.logger.Info("cleanup sweeper started",
		"schedule", sw.cfg.Schedule,
		"retention_days", sw.cfg.RetentionDays)
	return nil
}

func (sw *Sweeper) loop(ctx context.Context) {
	defer close(sw.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs a sweep when the scheduled activation has passed.
func (sw *Sweeper) tick(ctx context.Context, now time.Time) {
	sw.mu.Lock()
	due := !sw.nextRun.After(now)
	if due {
		sw.nextRun = sw.schedule.Next(now)
	}
	sw.mu.Unlock()

	if !due {
		return
	}
	sw.Sweep(ctx)
}

// Sweep runs one cleanup pass plus the stale-agent check immediately.
func (sw *Sweeper) Sweep(ctx context.Context) {
	if _, err := sw.service.Cleanup(ctx, sw.cfg.RetentionDays, sw.cfg.Archive); err != nil {
		sw.logger.ErrorContext(ctx, "scheduled cleanup failed", "error", err)
	}

	if sw.cfg.AgentStaleAfter > 0 {
		stale, err := identity.MarkStale(ctx, sw.store, sw.cfg.AgentStaleAfter)
		if err != nil {
			sw.logger.ErrorContext(ctx, "stale agent check failed", "error", err)
		} else if len(stale) > 0 {
			sw.logger.InfoContext(ctx, "marked stale agents offline", "agents", stale)
		}
	}
}

// NextRun reports the next scheduled activation.
func (sw *Sweeper) NextRun() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.nextRun
}

// Stop shuts the sweep loop down and waits for it to exit.
func (sw *Sweeper) Stop() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancel == nil {
		return nil
	}
	sw.cancel()
	<-sw.done
	sw.cancel = nil
	sw.done = nil

	sw.logger.Info("cleanup sweeper stopped")
	return nil
}
