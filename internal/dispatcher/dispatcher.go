// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner consumes work until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one has returned. The first
// worker error stops the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			d.logger.Debug("worker started", zap.Int("worker", i))
			defer d.logger.Debug("worker stopped", zap.Int("worker", i))
			return w.Run(ctx)
		})
	}
	d.logger.Info("dispatcher running", zap.Int("workers", len(d.workers)))
	return g.Wait()
}
