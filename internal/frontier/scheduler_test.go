package frontier

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/extract"
	"github.com/JakeFAU/docs2md/internal/markdown"
)

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	// redirects maps a requested URL onto the URL the response lands on.
	redirects map[string]string
	errs    map[string]error
	block   map[string]chan struct{}
	started chan string
	jitter  bool
	calls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	finalURL := req.URL
	if target, ok := f.redirects[req.URL]; ok {
		finalURL = target
	}
	body, ok := f.pages[finalURL]
	fetchErr := f.errs[req.URL]
	release := f.block[req.URL]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- req.URL
	}
	if release != nil {
		<-release
	}
	if f.jitter {
		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	}
	if fetchErr != nil {
		return crawler.FetchResponse{}, fetchErr
	}
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FailureHTTPError, URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResponse{
		URL:         finalURL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		Attempts:    1,
	}, nil
}

func (f *fakeFetcher) called(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == url {
			return true
		}
	}
	return false
}

type recordingLimiter struct {
	mu      sync.Mutex
	waits   []string
	reports map[string][]int
}

func (l *recordingLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	l.waits = append(l.waits, key)
	l.mu.Unlock()
	return ctx.Err()
}

func (l *recordingLimiter) ReportResult(key string, status int, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reports == nil {
		l.reports = make(map[string][]int)
	}
	l.reports[key] = append(l.reports[key], status)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func page(title, nav, body string) string {
	return `<html><head><title>` + title + ` | Docs</title></head><body>` +
		`<nav>` + nav + `</nav><main><h1>` + title + `</h1>` + body + `</main></body></html>`
}

const siteNav = `<a href="/docs/intro">Intro</a><a href="/docs/guide">Guide</a>`

func docsSite() map[string]string {
	return map[string]string{
		"https://docs.example.com/docs/": page("Home", siteNav,
			`<p>Welcome. See <a href="/docs/guide/advanced">advanced</a>, <a href="/docs/missing">missing</a>,
<a href="https://other.example.com/x">elsewhere</a> and <a href="/blog/post">the blog</a>.</p>`),
		"https://docs.example.com/docs/intro": page("Intro", siteNav,
			`<p>Start here.</p><p><a href="/docs/dup">again</a></p>`),
		"https://docs.example.com/docs/guide":          page("Guide", siteNav, `<p>The guide.</p>`),
		"https://docs.example.com/docs/guide/advanced": page("Advanced", siteNav, `<p>Deep things.</p>`),
		"https://docs.example.com/docs/dup":            page("Intro", siteNav, `<p>Start here.</p><p><a href="/docs/dup">again</a></p>`),
		"https://docs.example.com/blog/post":           page("Blog", siteNav, `<p>Out of scope.</p>`),
	}
}

func newTestScheduler(cfg Config, fetcher crawler.Fetcher, opts ...Option) *Scheduler {
	return NewScheduler(cfg, fetcher, extract.New(nil, extract.WithReadabilityFallback(false)), markdown.NewConverter(fixedClock{}), opts...)
}

func docsJob() crawler.Job {
	return crawler.Job{
		ID:      "job-1",
		SeedURL: "https://docs.example.com/docs/",
		Scope:   crawler.ScopeConfig{PathPrefix: "/docs"},
		Format:  crawler.FormatSingle,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) report(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, e := range l.events {
		if e.Kind == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func pageURLs(pages []crawler.Page) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.URL)
	}
	sort.Strings(out)
	return out
}

func TestScheduler_CrawlsSiteWithinScope(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: docsSite()}
	limiter := &recordingLimiter{}
	s := newTestScheduler(Config{Workers: 3}, fetcher, WithLimiter(limiter))
	log := &eventLog{}

	res, err := s.Run(context.Background(), docsJob(), log.report)
	require.NoError(t, err)

	require.Equal(t, []string{
		"https://docs.example.com/docs/",
		"https://docs.example.com/docs/guide",
		"https://docs.example.com/docs/guide/advanced",
		"https://docs.example.com/docs/intro",
	}, pageURLs(res.Pages))
	require.ElementsMatch(t, []crawler.SkippedPage{
		{URL: "https://docs.example.com/docs/missing", Reason: crawler.SkipHTTPError},
		{URL: "https://docs.example.com/docs/dup", Reason: crawler.SkipDuplicateContent},
	}, res.Skipped)
	require.Equal(t, crawler.JobCounters{Discovered: 6, Processed: 6, Succeeded: 4, Skipped: 2}, res.Counters)
	require.False(t, res.Partial)

	require.False(t, fetcher.called("https://docs.example.com/blog/post"))
	require.False(t, fetcher.called("https://other.example.com/x"))

	for _, p := range res.Pages {
		switch p.URL {
		case "https://docs.example.com/docs/intro":
			require.Equal(t, 0, p.Position.NavIndex)
			require.Equal(t, "Intro", p.Title)
			require.Contains(t, p.Markdown, "# Intro")
		case "https://docs.example.com/docs/guide":
			require.Equal(t, 1, p.Position.NavIndex)
		default:
			require.Equal(t, -1, p.Position.NavIndex)
		}
	}

	require.Equal(t, []State{StateInitialized, StateCrawling, StateDraining, StateDone}, log.states())
	require.Len(t, limiter.waits, 6)
	for _, statuses := range limiter.reports {
		for _, status := range statuses {
			require.Contains(t, []int{http.StatusOK, http.StatusNotFound}, status)
		}
	}
}

func TestScheduler_SeedOutsideScopeOnlyFeedsLinks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/": page("Landing", "", `<p>Welcome. Read <a href="/docs/a">the docs</a>.</p>`),
		"https://docs.example.com/docs/a": page("A", "", `<p>Page A.</p>`),
	}}
	job := crawler.Job{
		ID:      "job-seed",
		SeedURL: "https://docs.example.com/",
		Scope:   crawler.ScopeConfig{PathPrefix: "/docs/", Exclude: "^/$"},
		Format:  crawler.FormatSingle,
	}

	res, err := newTestScheduler(Config{Workers: 2}, fetcher).Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://docs.example.com/docs/a"}, pageURLs(res.Pages))
	require.Equal(t, []crawler.SkippedPage{{URL: "https://docs.example.com/", Reason: crawler.SkipOutOfScope}}, res.Skipped)
	require.Equal(t, crawler.JobCounters{Discovered: 2, Processed: 2, Succeeded: 1, Skipped: 1}, res.Counters)
}

func TestScheduler_RedirectOutOfScopeIsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		pages: map[string]string{
			"https://docs.example.com/product/v2/": page("V2", "",
				`<p>Current docs. <a href="/product/v2/old">old page</a>, <a href="/product/v2/new">new page</a>.</p>`),
			"https://docs.example.com/product/v2/new": page("New", "", `<p>New things.</p>`),
			"https://docs.example.com/product/v1/legacy": page("Legacy V1", "",
				`<p>Legacy content. <a href="/product/v2/hidden">hidden</a>.</p>`),
			"https://docs.example.com/product/v2/hidden": page("Hidden", "", `<p>Only linked from v1.</p>`),
			"https://elsewhere.example.net/page":         page("Elsewhere", "", `<p>Other host.</p>`),
		},
		redirects: map[string]string{
			"https://docs.example.com/product/v2/old": "https://docs.example.com/product/v1/legacy",
			"https://docs.example.com/product/v2/new": "https://elsewhere.example.net/page",
		},
	}
	job := crawler.Job{
		ID:      "job-redirect",
		SeedURL: "https://docs.example.com/product/v2/",
		Scope:   crawler.ScopeConfig{PathPrefix: "/product/v2/"},
		Format:  crawler.FormatSingle,
	}

	res, err := newTestScheduler(Config{Workers: 2}, fetcher).Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://docs.example.com/product/v2/"}, pageURLs(res.Pages))
	require.ElementsMatch(t, []crawler.SkippedPage{
		{URL: "https://docs.example.com/product/v2/old", Reason: crawler.SkipOutOfScopeRedirect},
		{URL: "https://docs.example.com/product/v2/new", Reason: crawler.SkipOutOfScopeRedirect},
	}, res.Skipped)
	require.False(t, fetcher.called("https://docs.example.com/product/v2/hidden"))
	for _, p := range res.Pages {
		require.NotContains(t, p.Markdown, "Legacy")
	}
}

func TestScheduler_CountersNeverDecrease(t *testing.T) {
	t.Parallel()

	for run := range 5 {
		fetcher := &fakeFetcher{pages: docsSite(), jitter: true}
		s := newTestScheduler(Config{Workers: 2 + run}, fetcher)
		log := &eventLog{}
		_, err := s.Run(context.Background(), docsJob(), log.report)
		require.NoError(t, err)

		var prev crawler.JobCounters
		for _, e := range log.events {
			require.Equal(t, e.Counters, e.Counters.Merge(prev), "counters regressed at %+v", e)
			require.Equal(t, e.Counters.Processed, e.Counters.Succeeded+e.Counters.Skipped)
			require.LessOrEqual(t, e.Counters.Processed, e.Counters.Discovered)
			prev = e.Counters
		}
	}
}

func TestScheduler_PageCeilingMarksPartial(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: docsSite()}
	s := newTestScheduler(Config{Workers: 2}, fetcher)
	job := docsJob()
	job.MaxPages = 2

	res, err := s.Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Equal(t, 2, res.Counters.Processed)
	require.Greater(t, res.Counters.Discovered, 2)
}

func TestScheduler_CeilingNotPartialWhenSiteFits(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/docs/": page("Home", "", "<p>only page</p>"),
	}}
	job := docsJob()
	job.MaxPages = 1

	res, err := newTestScheduler(Config{}, fetcher).Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Len(t, res.Pages, 1)
}

func TestScheduler_SeedUnreachable(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{errs: map[string]error{
		"https://docs.example.com/docs/": &crawler.FetchError{Kind: crawler.FailureConnectionError, Err: errors.New("refused")},
	}}
	log := &eventLog{}
	_, err := newTestScheduler(Config{}, fetcher).Run(context.Background(), docsJob(), log.report)
	require.ErrorIs(t, err, ErrSeedUnreachable)
	require.Equal(t, StateDone, log.states()[len(log.states())-1])
}

func TestScheduler_SeedWithoutContentStillExpands(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://docs.example.com/docs/":      `<html><body><nav><a href="/docs/intro">Intro</a></nav></body></html>`,
		"https://docs.example.com/docs/intro": page("Intro", "", "<p>hello</p>"),
	}}
	res, err := newTestScheduler(Config{}, fetcher).Run(context.Background(), docsJob(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://docs.example.com/docs/intro"}, pageURLs(res.Pages))
	require.Equal(t, []crawler.SkippedPage{{URL: "https://docs.example.com/docs/", Reason: crawler.SkipNoContentExtracted}}, res.Skipped)
}

func TestScheduler_MaxDepth(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: docsSite()}
	res, err := newTestScheduler(Config{MaxDepth: 1}, fetcher).Run(context.Background(), docsJob(), nil)
	require.NoError(t, err)
	require.False(t, fetcher.called("https://docs.example.com/docs/dup"))
	require.Equal(t, 4, len(res.Pages))
}

func TestScheduler_CancelStopsExpansion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := &fakeFetcher{
		pages:   docsSite(),
		block:   map[string]chan struct{}{"https://docs.example.com/docs/intro": release},
		started: make(chan string, 16),
	}
	s := newTestScheduler(Config{Workers: 1}, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(ctx, docsJob(), nil)
		done <- outcome{res, err}
	}()

	for url := range fetcher.started {
		if url == "https://docs.example.com/docs/intro" {
			break
		}
	}
	cancel()
	close(release)

	var got outcome
	require.Eventually(t, func() bool {
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, got.err, context.Canceled)
	require.Equal(t, []string{
		"https://docs.example.com/docs/",
		"https://docs.example.com/docs/intro",
	}, pageURLs(got.res.Pages))
	require.False(t, fetcher.called("https://docs.example.com/docs/dup"))
	require.False(t, fetcher.called("https://docs.example.com/docs/guide"))
}

func TestLimiterKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "docs.example.com#2", limiterKey("https://docs.example.com/a", "2"))
	require.Equal(t, "unknown#0", limiterKey("::", "0"))
}
