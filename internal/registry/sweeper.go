package registry

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts ended sessions from a Registry. It owns no
// state beyond its schedule; running a sweep twice with no new events is a
// no-op the second time.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	window   time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper that runs every interval and evicts
// terminal sessions older than window.
func NewSweeper(r *Registry, interval, window time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: r,
		interval: interval,
		window:   window,
		clock:    time.Now,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.registry.Sweep(s.window, s.clock()); n > 0 {
				s.logger.Info("swept ended call sessions",
					"removed", n, "remaining", s.registry.Len())
			}
		}
	}
}
