package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/metrics"
)

// DefaultSweepInterval is how often Run sweeps.
const DefaultSweepInterval = time.Minute

// Expirer moves a complete job to expired, deleting its artifact first.
type Expirer interface {
	Expire(ctx context.Context, id string) (crawler.Job, error)
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Expired int
	Orphans int
}

// Sweeper periodically expires jobs and removes objects no live job owns.
type Sweeper struct {
	manager  *Manager
	jobs     crawler.JobStore
	expirer  Expirer
	interval time.Duration
	logger   *zap.Logger
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval overrides DefaultSweepInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepLogger sets the sweeper's logger.
func WithSweepLogger(logger *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSweeper builds a Sweeper.
func NewSweeper(manager *Manager, jobs crawler.JobStore, expirer Expirer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:  manager,
		jobs:     jobs,
		expirer:  expirer,
		interval: DefaultSweepInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep expires every complete job past its expiry, then deletes objects
// older than the retention window that no complete job references.
// Failures on individual jobs or objects are logged and the sweep goes on.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.manager.clock.Now()

	expired, err := s.jobs.ListExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("list expired jobs: %w", err)
	}
	for _, job := range expired {
		if _, err := s.expirer.Expire(ctx, job.ID); err != nil {
			if errors.Is(err, crawler.ErrInvalidTransition) {
				continue
			}
			s.logger.Warn("expire job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		result.Expired++
	}

	objects, err := s.manager.store.List(ctx, "")
	if err != nil {
		metrics.ObserveSweepExpired(result.Expired)
		return result, fmt.Errorf("list artifacts: %w", err)
	}
	for _, obj := range objects {
		if now.Before(obj.Modified.Add(s.manager.window)) {
			continue
		}
		live, err := s.owned(ctx, obj.Key)
		if err != nil {
			s.logger.Warn("look up artifact owner", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		if live {
			continue
		}
		if err := s.manager.store.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("delete orphan artifact", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		result.Orphans++
	}

	metrics.ObserveSweepExpired(result.Expired + result.Orphans)
	if result.Expired > 0 || result.Orphans > 0 {
		s.logger.Info("retention sweep",
			zap.Int("expired", result.Expired),
			zap.Int("orphans", result.Orphans),
		)
	}
	return result, nil
}

// owned reports whether key is the artifact of a complete job.
func (s *Sweeper) owned(ctx context.Context, key string) (bool, error) {
	jobID, _, ok := strings.Cut(key, "/")
	if !ok {
		return false, nil
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, crawler.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.State == crawler.JobStateComplete && job.Artifact != nil && job.Artifact.Key == key, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	s.logger.Info("retention sweeper started", zap.Duration("interval", s.interval))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retention sweeper stopped")
	return nil
}
