package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/docs2md/internal/config"
	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/jobs"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:    config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5, HeartbeatSeconds: 1},
		Crawler:   config.CrawlerConfig{Workers: 2, Concurrency: 2, MaxPages: 50, MaxPagesLimit: 100, UserAgent: "docs2md-test", MaxDelayMs: 10},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5, MaxBodyBytes: 1 << 20, MaxImageBytes: 1 << 20},
		Queue:     config.QueueConfig{Backend: config.BackendMemory, Depth: 8},
		Registry:  config.RegistryConfig{Backend: config.BackendMemory},
		Storage:   config.StorageConfig{Backend: config.BackendLocal, BaseDir: t.TempDir()},
		Retention: config.RetentionConfig{Window: time.Hour, SweepInterval: time.Minute},
		Notify:    config.NotifyConfig{Backend: config.BackendLog, Topic: "done"},
	}
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	return a
}

func docsSite(t *testing.T) *httptest.Server {
	t.Helper()
	page := func(title, body string) string {
		return `<html><head><title>` + title + `</title></head><body>` +
			`<nav><a href="/docs/intro">Intro</a><a href="/docs/guide">Guide</a></nav>` +
			`<main><h1>` + title + `</h1>` + body + `</main></body></html>`
	}
	pages := map[string]string{
		"/docs/":      page("Home", `<p>Welcome to the docs.</p>`),
		"/docs/intro": page("Intro", `<p>Start here.</p>`),
		"/docs/guide": page("Guide", `<p>The guide.</p>`),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewWiresServer(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	require.Equal(t, 2, a.Dispatcher().Size())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewWithRedisQueue(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Queue = config.QueueConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr()}}
	a := newTestApp(t, cfg)

	require.Contains(t, a.ready, "redis")
	require.NoError(t, a.ready["redis"](context.Background()))
}

func TestNewFailsOnUnreachableBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Registry = config.RegistryConfig{Backend: config.BackendPostgres, DSN: "::not a dsn::"}
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "init registry")
}

func TestOneShotConversion(t *testing.T) {
	t.Parallel()

	site := docsSite(t)
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	job, err := a.Jobs().Submit(ctx, jobs.Request{URL: site.URL + "/docs/", PathPrefix: "/docs"})
	require.NoError(t, err)

	item, err := a.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, item.JobID)
	require.NoError(t, a.NewWorker(0).Process(ctx, item))

	got, err := a.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateComplete, got.State, "reason: %s", got.Reason)
	require.NotNil(t, got.Artifact)
	require.Equal(t, 3, got.Counters.Succeeded)

	rc, info, err := a.Artifacts().Open(ctx, *got.Artifact)
	require.NoError(t, err)
	defer func() { require.NoError(t, rc.Close()) }()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, got.Artifact.Size, int64(len(body)))
	require.Contains(t, info.ContentType, "text/markdown")
	require.Contains(t, string(body), "# Table of Contents")
	require.Contains(t, string(body), "[Intro](#intro)")
}
