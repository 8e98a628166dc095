package drain

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/replicator"
	"go.uber.org/zap"
)

const defaultInterval = 30 * time.Second

// Puller catches local state up with the server after a drain.
type Puller interface {
	Sync(ctx context.Context) (replicator.PullReport, error)
}

// Runner alternates drain and pull passes until its context ends.
type Runner struct {
	drainer  *Drainer
	puller   Puller
	interval time.Duration
	logger   *zap.Logger
	kick     chan struct{}
}

// NewRunner constructs a Runner. A nil puller disables pulls.
func NewRunner(drainer *Drainer, puller Puller, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		drainer:  drainer,
		puller:   puller,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a cycle ahead of the next tick.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	if _, err := r.drainer.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("drain pass failed", zap.Error(err))
	}
	if r.puller == nil || ctx.Err() != nil {
		return
	}
	if _, err := r.puller.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("pull failed", zap.Error(err))
	}
}
