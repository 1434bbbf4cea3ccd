package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/workspace/ptymux/internal/logging"
)

// Reaper periodically evicts sessions that stayed orphaned past a threshold.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper creates a reaper for registry. Call Start to schedule sweeps.
func NewReaper(registry *Registry, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
	}
}

// Start schedules Sweep every interval. cron works at one-second resolution,
// so shorter intervals run once per second.
func (rp *Reaper) Start() error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.cron != nil {
		return nil
	}
	if rp.interval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", rp.interval)
	}

	logger := logging.CronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("@every "+rp.interval.String(), func() { rp.Sweep() }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	rp.cron = c

	slog.Info("Session reaper started", "interval", rp.interval.String(), "threshold", rp.threshold.String())
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish or ctx
// to expire.
func (rp *Reaper) Stop(ctx context.Context) {
	rp.mu.Lock()
	c := rp.cron
	rp.cron = nil
	rp.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Timed out waiting for reaper sweep to finish")
	}
}

// Sweep runs one eviction pass and returns the number of sessions reaped.
func (rp *Reaper) Sweep() int {
	reaped := rp.registry.Reap(rp.threshold)
	if len(reaped) > 0 {
		slog.Info("Reaped orphaned sessions", "count", len(reaped), "sessionIds", reaped)
	}
	return len(reaped)
}
