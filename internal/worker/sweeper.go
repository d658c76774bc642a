// Package worker runs periodic maintenance against the token store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultInterval is used when a Sweeper is built with a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Sweeper is the part of the captcha service the sweep loop needs.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepLoop calls Sweep on a fixed interval until its context ends. A failed sweep is logged
// and the loop keeps going; the next tick retries.
type SweepLoop struct {
	svc      Sweeper
	interval time.Duration
	logger   *slog.Logger
	// tick is replaced in tests.
	tick func(time.Duration) (<-chan time.Time, func())
}

// NewSweepLoop returns a loop that sweeps svc every interval.
func NewSweepLoop(svc Sweeper, interval time.Duration, logger *slog.Logger) *SweepLoop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepLoop{
		svc:      svc,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Interval returns the sweep period.
func (l *SweepLoop) Interval() time.Duration {
	return l.interval
}

// Run sweeps once immediately, then on every tick. It returns nil when ctx is cancelled.
func (l *SweepLoop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "sweeper started", "interval", l.interval.String())
	c, stop := l.tick(l.interval)
	defer stop()
	var total int64
	for {
		total += l.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "sweeper stopped", "total_removed", total)
			return nil
		case <-c:
		}
	}
}

func (l *SweepLoop) sweepOnce(ctx context.Context) int64 {
	n, err := l.svc.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0
		}
		l.logger.ErrorContext(ctx, "sweep failed", "err", err)
		return 0
	}
	l.logger.DebugContext(ctx, "sweep finished", "removed", n)
	return n
}
