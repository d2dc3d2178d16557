package engine

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically drops key states that have been idle for longer
// than the idle TTL, so abandoned (user, item) pairs do not accumulate.
type Sweeper struct {
	interval    time.Duration
	idleTTL     time.Duration
	coordinator *Coordinator
}

// NewSweeper creates a Sweeper for the given coordinator.
func NewSweeper(interval, idleTTL time.Duration, coordinator *Coordinator) *Sweeper {
	return &Sweeper{
		interval:    interval,
		idleTTL:     idleTTL,
		coordinator: coordinator,
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and sweeps idle keys. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				s.tick(t)
			}
		}
	}()
}

// tick removes keys idle since before now - idleTTL. Keys with a queued or
// in-flight operation are never removed.
func (s *Sweeper) tick(now time.Time) int {
	removed := s.coordinator.sweepIdle(now.Add(-s.idleTTL))
	if removed > 0 {
		s.coordinator.metrics.AddSwept(removed)
		s.coordinator.logger.Debug("idle keys swept", slog.Int("count", removed))
	}
	return removed
}
