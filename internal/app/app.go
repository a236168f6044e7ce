// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/api"
	"github.com/JakeFAU/docs2md/internal/clock/system"
	"github.com/JakeFAU/docs2md/internal/config"
	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/dispatcher"
	"github.com/JakeFAU/docs2md/internal/extract"
	collyfetcher "github.com/JakeFAU/docs2md/internal/fetcher/colly"
	"github.com/JakeFAU/docs2md/internal/frontier"
	hashsha "github.com/JakeFAU/docs2md/internal/hash/sha256"
	"github.com/JakeFAU/docs2md/internal/id/uuid"
	"github.com/JakeFAU/docs2md/internal/jobs"
	"github.com/JakeFAU/docs2md/internal/markdown"
	"github.com/JakeFAU/docs2md/internal/metrics"
	"github.com/JakeFAU/docs2md/internal/policy/ratelimit"
	"github.com/JakeFAU/docs2md/internal/progress"
	"github.com/JakeFAU/docs2md/internal/progress/sinks"
	logpublisher "github.com/JakeFAU/docs2md/internal/publisher/log"
	pubsubpublisher "github.com/JakeFAU/docs2md/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/docs2md/internal/queue/memory"
	queueredis "github.com/JakeFAU/docs2md/internal/queue/redis"
	"github.com/JakeFAU/docs2md/internal/retention"
	"github.com/JakeFAU/docs2md/internal/storage/gcs"
	"github.com/JakeFAU/docs2md/internal/storage/local"
	"github.com/JakeFAU/docs2md/internal/storage/memory"
	"github.com/JakeFAU/docs2md/internal/storage/postgres"
	"github.com/JakeFAU/docs2md/internal/storage/s3"
	"github.com/JakeFAU/docs2md/internal/worker"
)

const closeTimeout = 10 * time.Second

// App holds the shared, long-lived services. It is built once per command
// and closed when the command finishes.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	jobStore  crawler.JobStore
	blobStore crawler.ArtifactStore
	queue     crawler.Queue
	hub       *progress.Hub

	manager   *jobs.Manager
	retention *retention.Manager
	sweeper   *retention.Sweeper
	scheduler *frontier.Scheduler

	ready   map[string]api.ReadyCheck
	closers []func(context.Context) error
}

// Option customises New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      crawler.Clock
}

// WithRegisterer registers the progress metrics on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// New builds every service described by cfg. It fails fast when a backend
// cannot be reached, closing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  o.clock,
		ready:  make(map[string]api.ReadyCheck),
	}
	defer func() {
		if err != nil {
			_ = a.closeAll(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("initializing application services",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)

	if a.jobStore, err = a.buildJobStore(ctx); err != nil {
		return nil, err
	}
	if a.blobStore, err = a.buildBlobStore(ctx); err != nil {
		return nil, err
	}
	if a.queue, err = a.buildQueue(ctx); err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")), promSink)
	a.closers = append(a.closers, a.hub.Close)

	a.retention = retention.NewManager(a.blobStore, hashsha.New(), a.clock,
		retention.WithWindow(cfg.Retention.Window),
		retention.WithLogger(logger),
	)

	managerOpts := []jobs.Option{
		jobs.WithEmitter(a.hub),
		jobs.WithArtifacts(a.retention),
		jobs.WithLogger(logger),
	}
	if publisher != nil {
		managerOpts = append(managerOpts, jobs.WithPublisher(publisher))
	}
	a.manager = jobs.NewManager(
		jobs.Config{
			DefaultMaxPages: cfg.Crawler.MaxPages,
			MaxPagesLimit:   cfg.Crawler.MaxPagesLimit,
			NotifyTopic:     cfg.Notify.Topic,
		},
		a.jobStore,
		a.queue,
		progress.NewBroker(0, logger.Named("broker")),
		uuid.New(),
		a.clock,
		managerOpts...,
	)

	a.sweeper = retention.NewSweeper(a.retention, a.jobStore, a.manager,
		retention.WithInterval(cfg.Retention.SweepInterval),
		retention.WithSweepLogger(logger),
	)
	a.scheduler = a.buildScheduler()

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildJobStore(ctx context.Context) (crawler.JobStore, error) {
	switch a.cfg.Registry.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
			DSN:      a.cfg.Registry.DSN,
			Table:    a.cfg.Registry.Table,
			MaxConns: a.cfg.Registry.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init registry: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate registry: %w", err)
		}
		a.ready["postgres"] = store.Ping
		return store, nil
	default:
		return memory.NewJobStore(), nil
	}
}

func (a *App) buildBlobStore(ctx context.Context) (crawler.ArtifactStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: sc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case config.BackendS3:
		store, err := s3.New(s3.Config{
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Bucket:    sc.Bucket,
			Region:    sc.Region,
			UseSSL:    sc.UseSSL,
			Prefix:    sc.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		if err := store.EnsureBucket(ctx, sc.Region); err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: sc.Bucket, Prefix: sc.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	default:
		return memory.NewBlobStore(memory.WithClock(a.clock)), nil
	}
}

func (a *App) buildQueue(ctx context.Context) (crawler.Queue, error) {
	qc := a.cfg.Queue
	switch qc.Backend {
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		q, err := queueredis.New(ctx, client, queueredis.Config{
			Stream:   qc.Redis.Stream,
			Group:    qc.Redis.Group,
			Consumer: qc.Redis.Consumer,
		}, a.logger.Named("queue"))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })
		a.ready["redis"] = q.Ping
		return q, nil
	default:
		q := queuememory.NewQueue(qc.Depth)
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })
		return q, nil
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	nc := a.cfg.Notify
	switch nc.Backend {
	case config.BackendLog:
		return logpublisher.New(a.logger), nil
	case config.BackendPubSub:
		client, err := gpubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		p := pubsubpublisher.New(client)
		a.closers = append(a.closers, func(context.Context) error {
			p.Close()
			return client.Close()
		})
		return p, nil
	default:
		return nil, nil
	}
}

func (a *App) buildScheduler() *frontier.Scheduler {
	cc, hc := a.cfg.Crawler, a.cfg.HTTP
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cc.UserAgent,
		RespectRobots: cc.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  int(hc.MaxBodyBytes),
		Retry: crawler.RetryConfig{
			MaxRetries: hc.MaxRetries,
			BaseDelay:  time.Duration(hc.BackoffInitialMs) * time.Millisecond,
			MaxDelay:   time.Duration(hc.BackoffMaxMs) * time.Millisecond,
		},
	})
	limits := ratelimit.DefaultConfig()
	limits.MinDelay = time.Duration(cc.MinDelayMs) * time.Millisecond
	limits.MaxDelay = time.Duration(cc.MaxDelayMs) * time.Millisecond
	limits.InitialDelay = max(limits.MinDelay, min(limits.InitialDelay, limits.MaxDelay))

	converter := markdown.NewConverter(a.clock,
		markdown.WithImageFetcher(markdown.FetcherImages{Fetcher: fetcher, MaxBytes: int(hc.MaxImageBytes)}),
		markdown.WithLogger(a.logger),
	)
	return frontier.NewScheduler(
		frontier.Config{Workers: cc.Concurrency, MaxDepth: cc.MaxDepth},
		fetcher,
		extract.New(a.logger, extract.WithReadabilityFallback(cc.Readability)),
		converter,
		frontier.WithLimiter(ratelimit.New(limits)),
		frontier.WithLogger(a.logger),
	)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Jobs exposes the job manager.
func (a *App) Jobs() *jobs.Manager {
	return a.manager
}

// Artifacts exposes the retention-aware artifact manager.
func (a *App) Artifacts() *retention.Manager {
	return a.retention
}

// Sweeper returns the periodic retention sweep.
func (a *App) Sweeper() *retention.Sweeper {
	return a.sweeper
}

// NewWorker builds a worker consuming the shared queue.
func (a *App) NewWorker(index int) *worker.Worker {
	return worker.New(a.queue, a.manager, a.scheduler, a.retention, a.clock,
		a.logger.Named("worker").With(zap.Int("index", index)))
}

// Dispatcher builds the configured number of workers.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Workers)
	for i := range a.cfg.Crawler.Workers {
		runners = append(runners, a.NewWorker(i))
	}
	return dispatcher.New(runners, a.logger)
}

// Server builds the HTTP API.
func (a *App) Server() *api.Server {
	apiCfg := api.Config{
		RequestTimeout: a.cfg.RequestTimeout(),
		Heartbeat:      a.cfg.Heartbeat(),
	}
	if a.cfg.Auth.Enabled {
		apiCfg.APIKey = a.cfg.Auth.APIKey
	}
	opts := []api.Option{api.WithLogger(a.logger.Named("api"))}
	for name, check := range a.ready {
		opts = append(opts, api.WithReadyCheck(name, check))
	}
	return api.NewServer(a.manager, a.retention, a.clock, apiCfg, opts...)
}

// NextItem takes the next queued item, for one-shot runs that skip the
// dispatcher.
func (a *App) NextItem(ctx context.Context) (crawler.QueueItem, error) {
	item, err := a.queue.Consume(ctx)
	if err != nil {
		return crawler.QueueItem{}, fmt.Errorf("consume: %w", err)
	}
	return item, nil
}

// Close shuts services down in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	return a.closeAll(ctx)
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
