// Package worker runs queued conversion jobs through crawl, assembly and
// artifact storage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/assemble"
	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/frontier"
	"github.com/JakeFAU/docs2md/internal/metrics"
)

// Content types of stored artifacts.
const (
	ContentTypeMarkdown = "text/markdown; charset=UTF-8"
	ContentTypeZip      = "application/zip"
)

const consumeBackoff = time.Second

// Crawler crawls one job and returns its converted pages.
type Crawler interface {
	Run(ctx context.Context, job crawler.Job, report frontier.Reporter) (frontier.Result, error)
}

// Lifecycle is the subset of the job manager a worker drives.
type Lifecycle interface {
	Start(ctx context.Context, id string) (context.Context, crawler.Job, func(), error)
	Advance(ctx context.Context, id string, next crawler.JobState) (crawler.Job, error)
	PageDone(ctx context.Context, id, url, title, outcome string, counters crawler.JobCounters) error
	Complete(ctx context.Context, id string, artifact crawler.Artifact, counters crawler.JobCounters, partial bool) (crawler.Job, error)
	Fail(ctx context.Context, id, reason string) (crawler.Job, error)
}

// Artifacts stores and removes job artifacts.
type Artifacts interface {
	Store(ctx context.Context, jobID, filename, contentType string, data []byte) (crawler.Artifact, error)
	Delete(ctx context.Context, artifact crawler.Artifact) error
}

// Worker consumes queue items and executes the conversion pipeline.
type Worker struct {
	queue     crawler.Queue
	jobs      Lifecycle
	crawler   Crawler
	artifacts Artifacts
	clock     crawler.Clock
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	jobs Lifecycle,
	crawl Crawler,
	artifacts Artifacts,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		crawler:   crawl,
		artifacts: artifacts,
		clock:     clock,
		logger:    logger,
	}
}

// Filename returns the download name of a job's artifact.
func Filename(jobID string, format crawler.OutputFormat) string {
	if format == crawler.FormatArchive {
		return "omnidocs_export_" + jobID + ".zip"
	}
	return "omnidocs_export_" + jobID + ".md"
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("queue consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		if err := w.Process(ctx, item); err != nil {
			w.logger.Error("process job", zap.String("job_id", item.JobID), zap.Error(err))
		}
		if err := w.queue.Ack(context.WithoutCancel(ctx), item); err != nil {
			w.logger.Warn("ack failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

// Process runs one job to a terminal state. Jobs that are no longer queued,
// such as ones cancelled before a worker picked them up, are skipped.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) error {
	runCtx, job, release, err := w.jobs.Start(ctx, item.JobID)
	switch {
	case errors.Is(err, crawler.ErrInvalidTransition), errors.Is(err, crawler.ErrJobNotFound):
		w.logger.Info("skipping job", zap.String("job_id", item.JobID), zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("start job: %w", err)
	}
	defer release()

	logger := w.logger.With(zap.String("job_id", job.ID))
	reason, err := w.pipeline(runCtx, job, logger)
	if err == nil {
		return nil
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled through the manager, which already failed the job.
		logger.Info("job cancelled")
		return nil
	}
	if ctx.Err() != nil {
		reason = crawler.ReasonCancelled
	}
	if _, failErr := w.jobs.Fail(context.WithoutCancel(ctx), job.ID, reason); failErr != nil &&
		!errors.Is(failErr, crawler.ErrInvalidTransition) {
		return fmt.Errorf("fail job with %s: %w (cause: %w)", reason, failErr, err)
	}
	logger.Warn("job failed", zap.String("reason", reason), zap.Error(err))
	return nil
}

// pipeline returns the failure reason alongside any error.
func (w *Worker) pipeline(ctx context.Context, job crawler.Job, logger *zap.Logger) (string, error) {
	result, err := w.crawler.Run(ctx, job, func(evt frontier.Event) {
		if evt.Kind != frontier.EventPage {
			return
		}
		if err := w.jobs.PageDone(ctx, job.ID, evt.URL, evt.Title, evt.Outcome, evt.Counters); err != nil {
			logger.Warn("record page progress", zap.String("url", evt.URL), zap.Error(err))
		}
	})
	switch {
	case errors.Is(err, frontier.ErrSeedUnreachable):
		return crawler.ReasonSeedUnreachable, err
	case err != nil:
		return crawler.ReasonInternalError, err
	case len(result.Pages) == 0:
		return crawler.ReasonNoContentFound, errors.New("no pages converted")
	}

	if _, err := w.jobs.Advance(ctx, job.ID, crawler.JobStateProcessing); err != nil {
		return crawler.ReasonInternalError, err
	}
	summary := assemble.Summary{
		SeedURL:     job.SeedURL,
		Skipped:     result.Skipped,
		Partial:     result.Partial,
		MaxPages:    job.MaxPages,
		GeneratedAt: w.clock.Now(),
	}
	var (
		data        []byte
		contentType string
	)
	if job.Format == crawler.FormatArchive {
		data, err = assemble.Archive(result.Pages, summary)
		contentType = ContentTypeZip
	} else {
		data, err = assemble.Single(result.Pages, summary)
		contentType = ContentTypeMarkdown
	}
	if err != nil {
		return crawler.ReasonInternalError, fmt.Errorf("assemble: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return crawler.ReasonCancelled, err
	}

	if _, err := w.jobs.Advance(ctx, job.ID, crawler.JobStatePackaging); err != nil {
		return crawler.ReasonInternalError, err
	}
	artifact, err := w.artifacts.Store(ctx, job.ID, Filename(job.ID, job.Format), contentType, data)
	if err != nil {
		return crawler.ReasonStorageError, err
	}
	if _, err := w.jobs.Complete(ctx, job.ID, artifact, result.Counters, result.Partial); err != nil {
		// The job moved on without us; do not leave the object reachable.
		if delErr := w.artifacts.Delete(context.WithoutCancel(ctx), artifact); delErr != nil {
			logger.Warn("remove unowned artifact", zap.String("key", artifact.Key), zap.Error(delErr))
		}
		return crawler.ReasonInternalError, err
	}
	metrics.ObserveArtifact(string(job.Format), artifact.Size)
	logger.Info("job complete",
		zap.Int("pages", len(result.Pages)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Bool("partial", result.Partial),
		zap.Int64("bytes", artifact.Size),
	)
	return "", nil
}
