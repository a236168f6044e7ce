// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	Retry         crawler.RetryConfig
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         *crawler.ExponentialRetryPolicy
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newRobotsTransport(newHTTPTransport())
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         crawler.NewExponentialRetryPolicy(cfg.Retry),
		sleep:         sleepWithContext,
	}
}

// Fetch retrieves request.URL, retrying transient failures with backoff.
// Every failure is returned as a *crawler.FetchError unless ctx ended.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", err)
		}
		resp, err := f.fetchOnce(ctx, request)
		if err == nil {
			resp.Attempts = attempt
			metrics.ObserveFetch(request.URL, "ok", len(resp.Body))
			return resp, nil
		}
		if !f.retry.ShouldRetry(err, attempt) || ctx.Err() != nil {
			metrics.ObserveFetch(request.URL, outcomeLabel(err), 0)
			return crawler.FetchResponse{Attempts: attempt}, err
		}
		metrics.ObserveFetchRetry(request.URL)
		if sleepErr := f.sleep(ctx, f.retry.Backoff(err, attempt)); sleepErr != nil {
			return crawler.FetchResponse{Attempts: attempt}, sleepErr
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, err
		}
		return crawler.FetchResponse{}, classifyError(request.URL, err)
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return crawler.FetchResponse{}, &crawler.FetchError{
			Kind:       crawler.FailureHTTPError,
			URL:        request.URL,
			StatusCode: result.StatusCode,
			RetryAfter: parseRetryAfter(result.Headers.Get("Retry-After"), time.Now()),
		}
	}
	if !acceptsContentType(request, result.ContentType, result.URL) {
		return crawler.FetchResponse{}, &crawler.FetchError{
			Kind:       crawler.FailureUnsupportedContentType,
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("content type %q", result.ContentType),
		}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if f.transport != nil {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.FetchResponse{
			URL:         finalURL,
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func classifyError(url string, err error) *crawler.FetchError {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return &crawler.FetchError{Kind: crawler.FailureHTTPError, URL: url, StatusCode: http.StatusForbidden, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &crawler.FetchError{Kind: crawler.FailureTimeout, URL: url, Err: err}
	}
	return &crawler.FetchError{Kind: crawler.FailureConnectionError, URL: url, Err: err}
}

func acceptsContentType(request crawler.FetchRequest, contentType, finalURL string) bool {
	if len(request.ContentTypes) == 0 {
		return crawler.IsHTMLContentType(contentType, finalURL)
	}
	ct := strings.ToLower(contentType)
	for _, prefix := range request.ContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func outcomeLabel(err error) string {
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	return "canceled"
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
