package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/metrics"
	"github.com/JakeFAU/docs2md/internal/progress"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultMaxPages = 1000
	DefaultTopic    = "docs2md-jobs"
)

// ArtifactDeleter removes a stored artifact. Deleting an artifact that is
// already gone must succeed.
type ArtifactDeleter interface {
	Delete(ctx context.Context, artifact crawler.Artifact) error
}

// Config tunes submission limits and notifications.
type Config struct {
	DefaultMaxPages int
	MaxPagesLimit   int
	NotifyTopic     string
}

// Notification is published when a job reaches a terminal state.
type Notification struct {
	JobID     string              `json:"job_id"`
	State     crawler.JobState    `json:"state"`
	Reason    string              `json:"reason,omitempty"`
	SeedURL   string              `json:"seed_url"`
	Partial   bool                `json:"partial,omitempty"`
	Counters  crawler.JobCounters `json:"counters"`
	Filename  string              `json:"filename,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// Manager drives jobs through their lifecycle. Every state change goes
// through the registry's compare-and-transition and is followed by a
// progress event carrying the stored counters.
type Manager struct {
	cfg       Config
	store     crawler.JobStore
	queue     crawler.Queue
	broker    *progress.Broker
	events    progress.Emitter
	ids       crawler.IDGenerator
	clock     crawler.Clock
	publisher crawler.Publisher
	artifacts ArtifactDeleter
	logger    *zap.Logger

	// emitMu orders registry writes with the events that report them.
	emitMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option customises a Manager.
type Option func(*Manager)

// WithPublisher publishes a Notification for every terminal state.
func WithPublisher(p crawler.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithEmitter forwards every event to e in addition to the subscribers.
func WithEmitter(e progress.Emitter) Option {
	return func(m *Manager) {
		m.events = progress.Fanout{m.broker, e}
	}
}

// WithArtifacts lets Delete and Expire remove stored artifacts.
func WithArtifacts(a ArtifactDeleter) Option {
	return func(m *Manager) {
		m.artifacts = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager wires a Manager.
func NewManager(
	cfg Config,
	store crawler.JobStore,
	queue crawler.Queue,
	broker *progress.Broker,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	opts ...Option,
) *Manager {
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = DefaultMaxPages
	}
	if cfg.NotifyTopic == "" {
		cfg.NotifyTopic = DefaultTopic
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		broker:  broker,
		events:  broker,
		ids:     ids,
		clock:   clock,
		logger:  zap.NewNop(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("jobs")
	return m
}

// Submit validates req, records a queued job and enqueues it.
func (m *Manager) Submit(ctx context.Context, req Request) (crawler.Job, error) {
	req, err := req.Validate(m.cfg.DefaultMaxPages, m.cfg.MaxPagesLimit)
	if err != nil {
		return crawler.Job{}, err
	}
	seed, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return crawler.Job{}, invalid("url cannot be normalized")
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.clock.Now()
	job := crawler.Job{
		ID:      id,
		SeedURL: seed,
		Scope: crawler.ScopeConfig{
			PathPrefix: req.PathPrefix,
			Include:    req.Include,
			Exclude:    req.Exclude,
		},
		Format: req.Format,
		Options: crawler.MarkdownOptions{
			Frontmatter: req.Frontmatter,
			EmbedImages: req.EmbedImages,
		},
		MaxPages:  req.MaxPages,
		State:     crawler.JobStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{JobID: id, Attempt: 1, Submitted: now.Unix()}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("enqueue job", zap.String("job_id", id), zap.Error(err))
		if _, failErr := m.Fail(context.WithoutCancel(ctx), id, crawler.ReasonInternalError); failErr != nil {
			m.logger.Warn("fail unqueued job", zap.String("job_id", id), zap.Error(failErr))
		}
		return crawler.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	m.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("seed_url", seed),
		zap.String("format", string(job.Format)),
		zap.Int("max_pages", job.MaxPages),
	)
	return job, nil
}

// Get returns the stored job.
func (m *Manager) Get(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Subscribe streams progress for id. The first event is a snapshot of the
// job; the channel closes after a terminal state event.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan progress.Event, func(), error) {
	ch, unsubscribe, err := m.broker.Subscribe(id, func() (progress.Event, error) {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return progress.Event{}, err
		}
		return progress.SnapshotOf(job, m.clock.Now()), nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	return ch, unsubscribe, nil
}

// Start moves a queued job to crawling and returns a context that Cancel
// ends. The caller must call the returned release func when the job's
// pipeline exits.
func (m *Manager) Start(ctx context.Context, id string) (context.Context, crawler.Job, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	release := func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
	}

	job, err := m.transition(ctx, id, []crawler.JobState{crawler.JobStateQueued}, crawler.JobStateCrawling, nil)
	if err != nil {
		release()
		return nil, crawler.Job{}, nil, err
	}
	return runCtx, job, release, nil
}

// Advance moves a running job forward to next.
func (m *Manager) Advance(ctx context.Context, id string, next crawler.JobState) (crawler.Job, error) {
	return m.transition(ctx, id, crawler.NonTerminalStates(), next, nil)
}

// PageDone records the counters after one page outcome and reports it.
func (m *Manager) PageDone(ctx context.Context, id, url, title, outcome string, counters crawler.JobCounters) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	job, err := m.store.UpdateCounters(ctx, id, counters)
	if err != nil {
		return fmt.Errorf("update counters %s: %w", id, err)
	}
	m.events.Emit(progress.Event{
		Type:     progress.EventPage,
		JobID:    id,
		TS:       m.clock.Now(),
		State:    job.State,
		Counters: job.Counters,
		URL:      url,
		Title:    title,
		Outcome:  outcome,
	})
	return nil
}

// Complete records the artifact and marks the job complete.
func (m *Manager) Complete(
	ctx context.Context,
	id string,
	artifact crawler.Artifact,
	counters crawler.JobCounters,
	partial bool,
) (crawler.Job, error) {
	return m.transition(ctx, id, []crawler.JobState{crawler.JobStatePackaging}, crawler.JobStateComplete, func(job *crawler.Job) {
		stored := artifact
		expires := artifact.ExpiresAt
		job.Artifact = &stored
		job.ExpiresAt = &expires
		job.Counters = counters
		job.Partial = partial
	})
}

// Fail marks a non-terminal job failed with reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) (crawler.Job, error) {
	return m.transition(ctx, id, crawler.NonTerminalStates(), crawler.JobStateFailed, func(job *crawler.Job) {
		job.Reason = reason
	})
}

// Cancel stops a queued or running job and marks it failed with reason
// cancelled. Cancelling a terminal job returns crawler.ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.Fail(ctx, id, crawler.ReasonCancelled)
	if err != nil {
		return job, err
	}
	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return job, nil
}

// Expire deletes a complete job's artifact and moves it to expired.
func (m *Manager) Expire(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.State != crawler.JobStateComplete {
		return job, fmt.Errorf("expire %s in state %s: %w", id, job.State, crawler.ErrInvalidTransition)
	}
	if job.Artifact != nil && m.artifacts != nil {
		if err := m.artifacts.Delete(ctx, *job.Artifact); err != nil {
			return job, fmt.Errorf("delete artifact for %s: %w", id, err)
		}
	}
	return m.transition(ctx, id, []crawler.JobState{crawler.JobStateComplete}, crawler.JobStateExpired, func(job *crawler.Job) {
		job.Artifact = nil
	})
}

// Delete cancels a running job or expires a complete one.
func (m *Manager) Delete(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return crawler.Job{}, err
	}
	switch {
	case job.State == crawler.JobStateComplete:
		return m.Expire(ctx, id)
	case job.State.IsTerminal():
		return job, fmt.Errorf("delete %s in state %s: %w", id, job.State, crawler.ErrInvalidTransition)
	default:
		return m.Cancel(ctx, id)
	}
}

// Running reports how many jobs currently hold a cancel registration.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

func (m *Manager) transition(
	ctx context.Context,
	id string,
	from []crawler.JobState,
	next crawler.JobState,
	mutate func(*crawler.Job),
) (crawler.Job, error) {
	m.emitMu.Lock()
	job, err := m.store.Transition(ctx, id, from, next, mutate)
	if err != nil {
		m.emitMu.Unlock()
		return job, fmt.Errorf("transition %s to %s: %w", id, next, err)
	}
	m.events.Emit(progress.StateOf(job, m.clock.Now()))
	m.emitMu.Unlock()

	fields := []zap.Field{zap.String("job_id", id), zap.String("state", string(next))}
	if job.Reason != "" {
		fields = append(fields, zap.String("reason", job.Reason))
	}
	m.logger.Info("job transition", fields...)

	if next.IsTerminal() {
		metrics.ObserveJob(string(next), job.Reason)
		m.notify(context.WithoutCancel(ctx), job)
	}
	return job, nil
}

func (m *Manager) notify(ctx context.Context, job crawler.Job) {
	if m.publisher == nil {
		return
	}
	note := Notification{
		JobID:     job.ID,
		State:     job.State,
		Reason:    job.Reason,
		SeedURL:   job.SeedURL,
		Partial:   job.Partial,
		Counters:  job.Counters,
		ExpiresAt: job.ExpiresAt,
	}
	if job.Artifact != nil {
		note.Filename = job.Artifact.Filename
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.NotifyTopic, note); err != nil {
		m.logger.Warn("publish job notification", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, crawler.ErrJobNotFound)
}
