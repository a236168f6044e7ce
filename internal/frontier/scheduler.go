package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/markdown"
	"github.com/JakeFAU/docs2md/internal/metrics"
)

// ErrSeedUnreachable is returned when the seed URL cannot be fetched.
var ErrSeedUnreachable = errors.New("seed url unreachable")

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

// State is the scheduler lifecycle for one crawl.
type State string

// Scheduler states, in order.
const (
	StateInitialized State = "initialized"
	StateCrawling    State = "crawling"
	StateDraining    State = "draining"
	StateDone        State = "done"
)

// Extractor isolates page content and links.
type Extractor interface {
	Extract(pageURL string, html []byte) (crawler.Extraction, error)
}

// Converter renders extracted HTML as Markdown.
type Converter interface {
	Convert(ctx context.Context, in markdown.Input, opts crawler.MarkdownOptions) (string, error)
}

// Limiter spaces requests per key and learns from responses.
type Limiter interface {
	Wait(ctx context.Context, key string) error
	ReportResult(key string, statusCode int, retryAfter time.Duration)
}

// EventKind distinguishes reporter events.
type EventKind string

// Event kinds.
const (
	EventState EventKind = "state"
	EventPage  EventKind = "page"
)

// Event is delivered to the Reporter from the coordinating goroutine.
type Event struct {
	Kind     EventKind
	State    State
	URL      string
	Title    string
	Outcome  string
	Counters crawler.JobCounters
}

// Reporter receives crawl progress. It must not block for long.
type Reporter func(Event)

// OutcomeConverted is the page outcome for a successfully converted page.
const OutcomeConverted = "converted"

// Result is the outcome of a crawl.
type Result struct {
	Pages    []crawler.Page
	Skipped  []crawler.SkippedPage
	Counters crawler.JobCounters
	// Partial is set when the page ceiling stopped the crawl with work left.
	Partial bool
}

// Config tunes a Scheduler.
type Config struct {
	Workers int
	// MaxDepth limits link hops from the seed; zero means unlimited.
	MaxDepth int
}

// Scheduler crawls one job at a time per Run call; Run may be called
// concurrently for different jobs.
type Scheduler struct {
	fetcher   crawler.Fetcher
	extractor Extractor
	converter Converter
	limiter   Limiter
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLimiter sets the politeness limiter.
func WithLimiter(l Limiter) Option {
	return func(s *Scheduler) {
		s.limiter = l
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler wires a Scheduler.
func NewScheduler(cfg Config, fetcher crawler.Fetcher, extractor Extractor, converter Converter, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	s := &Scheduler{
		fetcher:   fetcher,
		extractor: extractor,
		converter: converter,
		limiter:   noLimit{},
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type noLimit struct{}

func (noLimit) Wait(ctx context.Context, _ string) error { return ctx.Err() }

func (noLimit) ReportResult(string, int, time.Duration) {}

type workResult struct {
	item     Item
	finalURL string
	page     *crawler.Page
	links    []string
	navLinks []string
	skip     crawler.SkipReason
	fetchErr error
	// aborted marks work abandoned because the crawl was cancelled.
	aborted bool
}

// crawl is the per-Run state owned by the coordinating goroutine.
type crawl struct {
	job      crawler.Job
	scope    *crawler.Scope
	frontier *Frontier
	report   Reporter
	logger   *zap.Logger
	maxDepth int

	state      State
	counters   crawler.JobCounters
	result     Result
	hashes     map[uint64]string
	navIndex   map[string]int
	navSource  string
	dispatched int
	seedURL    string
	seedFailed error
}

// Run crawls job starting at its seed URL. The returned error is
// ErrSeedUnreachable when the seed could not be fetched, or the context error
// when the crawl was cancelled; in the latter case Result still holds every
// page finished before cancellation.
func (s *Scheduler) Run(ctx context.Context, job crawler.Job, report Reporter) (Result, error) {
	if report == nil {
		report = func(Event) {}
	}
	scope, err := crawler.NewScope(job.SeedURL, job.Scope)
	if err != nil {
		return Result{}, fmt.Errorf("build scope: %w", err)
	}
	seed, err := crawler.NormalizeURL(job.SeedURL)
	if err != nil {
		return Result{}, fmt.Errorf("normalize seed: %w", err)
	}

	c := &crawl{
		job:      job,
		scope:    scope,
		frontier: New(),
		report:   report,
		logger:   s.logger.With(zap.String("job_id", job.ID)),
		state:    StateInitialized,
		hashes:   make(map[uint64]string),
		navIndex: make(map[string]int),
		seedURL:  seed,
		maxDepth: s.cfg.MaxDepth,
	}
	c.setState(StateInitialized)
	c.frontier.Push(seed, 0)
	c.counters.Discovered = 1

	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	work := make(chan Item)
	results := make(chan workResult, s.cfg.Workers)
	var g errgroup.Group
	for i := range s.cfg.Workers {
		slot := strconv.Itoa(i)
		g.Go(func() error {
			for item := range work {
				results <- s.process(workCtx, job, slot, item)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	c.setState(StateCrawling)
	pending := 0
	var next *Item
coordinator:
	for {
		if c.seedFailed != nil || ctx.Err() != nil {
			break
		}
		if next == nil && !c.ceilingReached() {
			if item, ok := c.frontier.Pop(); ok {
				next = &item
			}
		}
		if next == nil && pending == 0 {
			break
		}

		var dispatch chan Item
		var nextItem Item
		if next != nil {
			dispatch = work
			nextItem = *next
		}
		select {
		case <-ctx.Done():
			break coordinator
		case dispatch <- nextItem:
			c.dispatched++
			pending++
			next = nil
		case res := <-results:
			pending--
			c.handle(res, true)
		}
	}

	c.setState(StateDraining)
	close(work)
	if c.seedFailed != nil {
		stopWorkers()
	}
	for res := range results {
		c.handle(res, false)
	}

	c.finish(next != nil)
	c.setState(StateDone)

	if c.seedFailed != nil {
		return c.result, fmt.Errorf("%w: %w", ErrSeedUnreachable, c.seedFailed)
	}
	if err := ctx.Err(); err != nil {
		return c.result, err
	}
	return c.result, nil
}

func (c *crawl) ceilingReached() bool {
	return c.job.MaxPages > 0 && c.dispatched >= c.job.MaxPages
}

func (c *crawl) setState(state State) {
	c.state = state
	c.logger.Debug("crawl state", zap.String("state", string(state)))
	c.report(Event{Kind: EventState, State: state, Counters: c.counters})
}

// handle records a worker result. Links are only followed while expand is
// set, so nothing new is discovered once the crawl is draining.
func (c *crawl) handle(res workResult, expand bool) {
	if res.aborted {
		return
	}
	if res.item.URL == c.seedURL && res.fetchErr != nil {
		c.seedFailed = res.fetchErr
		c.logger.Warn("seed fetch failed", zap.String("url", res.item.URL), zap.Error(res.fetchErr))
		return
	}
	c.checkScope(&res)
	if c.navSource == "" && len(res.navLinks) > 0 {
		c.navSource = res.item.URL
		for i, link := range res.navLinks {
			if normalized, decision := c.scope.Allow(link); decision == crawler.Accept {
				if _, exists := c.navIndex[normalized]; !exists {
					c.navIndex[normalized] = i
				}
			}
		}
	}

	if expand {
		c.expand(res)
	}

	if res.page != nil && res.skip == "" {
		sum := xxhash.Sum64String(markdown.Body(res.page.Markdown))
		if first, dup := c.hashes[sum]; dup {
			c.logger.Debug("duplicate content", zap.String("url", res.item.URL), zap.String("first", first))
			res.skip = crawler.SkipDuplicateContent
		} else {
			c.hashes[sum] = res.item.URL
		}
	}

	c.counters.Processed++
	outcome := OutcomeConverted
	event := Event{Kind: EventPage, URL: res.item.URL}
	if res.skip != "" {
		c.counters.Skipped++
		outcome = string(res.skip)
		c.result.Skipped = append(c.result.Skipped, crawler.SkippedPage{URL: res.item.URL, Reason: res.skip})
	} else {
		c.counters.Succeeded++
		c.result.Pages = append(c.result.Pages, *res.page)
		event.Title = res.page.Title
	}
	metrics.ObservePage(outcome)
	event.Outcome = outcome
	event.Counters = c.counters
	c.report(event)
}

// checkScope keeps out-of-scope content out of the result. A redirect is
// judged by where it landed and its links are dropped with it. An
// out-of-scope seed is still used for its links.
func (c *crawl) checkScope(res *workResult) {
	if res.finalURL != "" && res.finalURL != res.item.URL {
		c.frontier.MarkSeen(res.finalURL)
		if _, decision := c.scope.Allow(res.finalURL); decision != crawler.Accept {
			c.logger.Debug("redirect left scope",
				zap.String("url", res.item.URL),
				zap.String("final_url", res.finalURL),
				zap.String("decision", string(decision)))
			res.page = nil
			res.links = nil
			res.navLinks = nil
			res.skip = crawler.SkipOutOfScopeRedirect
		}
		return
	}
	if res.item.URL != c.seedURL || res.skip != "" {
		return
	}
	if _, decision := c.scope.Allow(res.item.URL); decision != crawler.Accept {
		c.logger.Debug("seed outside scope", zap.String("url", res.item.URL), zap.String("decision", string(decision)))
		res.page = nil
		res.skip = crawler.SkipOutOfScope
	}
}

func (c *crawl) expand(res workResult) {
	depth := res.item.Depth + 1
	for _, link := range res.links {
		normalized, decision := c.scope.Allow(link)
		if decision != crawler.Accept {
			continue
		}
		if c.maxDepth > 0 && depth > c.maxDepth {
			continue
		}
		if c.frontier.Push(normalized, depth) {
			c.counters.Discovered++
		}
	}
}

func (c *crawl) finish(undispatched bool) {
	for i := range c.result.Pages {
		page := &c.result.Pages[i]
		page.Position.NavIndex = -1
		if idx, ok := c.navIndex[page.URL]; ok {
			page.Position.NavIndex = idx
		}
	}
	c.result.Counters = c.counters
	c.result.Partial = c.ceilingReached() && (undispatched || c.frontier.Len() > 0)
}

// process runs the per-page pipeline on a worker goroutine.
func (s *Scheduler) process(ctx context.Context, job crawler.Job, slot string, item Item) workResult {
	res := workResult{item: item}
	key := limiterKey(item.URL, slot)
	if err := s.limiter.Wait(ctx, key); err != nil {
		res.aborted = true
		return res
	}

	// Started fetches run to completion even if the job is cancelled.
	resp, err := s.fetcher.Fetch(context.WithoutCancel(ctx), crawler.FetchRequest{
		JobID: job.ID,
		URL:   item.URL,
		Depth: item.Depth,
	})
	var fetchErr *crawler.FetchError
	switch {
	case errors.As(err, &fetchErr):
		s.limiter.ReportResult(key, fetchErr.StatusCode, fetchErr.RetryAfter)
		res.fetchErr = err
		res.skip = fetchErr.SkipReason()
		return res
	case err != nil:
		res.fetchErr = err
		res.skip = crawler.SkipConnectionError
		return res
	}
	s.limiter.ReportResult(key, resp.StatusCode, 0)

	pageURL := item.URL
	if normalized, err := crawler.NormalizeURL(resp.URL); err == nil {
		pageURL = normalized
		res.finalURL = normalized
	}

	extraction, err := s.extractor.Extract(pageURL, resp.Body)
	if err != nil {
		res.skip = crawler.SkipNoContentExtracted
		return res
	}
	res.links = extraction.Links
	res.navLinks = extraction.NavLinks
	if extraction.Empty {
		res.skip = crawler.SkipNoContentExtracted
		return res
	}

	md, err := s.converter.Convert(ctx, markdown.Input{
		URL:   pageURL,
		Title: extraction.Title,
		HTML:  extraction.HTML,
	}, job.Options)
	switch {
	case errors.Is(err, markdown.ErrEmptyOutput):
		res.skip = crawler.SkipNoContentExtracted
		return res
	case err != nil:
		s.logger.Debug("conversion failed", zap.String("url", pageURL), zap.Error(err))
		res.skip = crawler.SkipConversionError
		return res
	}

	res.page = &crawler.Page{
		URL:         item.URL,
		ContentType: resp.ContentType,
		Title:       extraction.Title,
		HTML:        extraction.HTML,
		Markdown:    md,
		Links:       extraction.Links,
		Depth:       item.Depth,
		Position: crawler.Position{
			NavIndex:  -1,
			Discovery: item.Discovery,
			PathDepth: crawler.PathDepth(item.URL),
		},
	}
	return res
}

func limiterKey(rawURL, slot string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return host + "#" + slot
}
