package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/jobs"
	"github.com/JakeFAU/docs2md/internal/metrics"
	"github.com/JakeFAU/docs2md/internal/progress"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// JobService is the job manager surface used by the handlers.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request) (crawler.Job, error)
	Get(ctx context.Context, id string) (crawler.Job, error)
	Subscribe(ctx context.Context, id string) (<-chan progress.Event, func(), error)
	Delete(ctx context.Context, id string) (crawler.Job, error)
}

// Downloads opens stored artifacts while they are still valid.
type Downloads interface {
	Open(ctx context.Context, artifact crawler.Artifact) (io.ReadCloser, crawler.ObjectInfo, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config tunes the HTTP layer.
type Config struct {
	// APIKey, when set, is required on every route except the probes.
	APIKey         string
	RequestTimeout time.Duration
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// Server wires HTTP handlers to the job manager and artifact store.
type Server struct {
	router    chi.Router
	jobs      JobService
	downloads Downloads
	clock     crawler.Clock
	cfg       Config
	ready     map[string]ReadyCheck
	logger    *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// Option customises a Server.
type Option func(*Server)

// WithReadyCheck adds a named dependency check to /readyz.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) {
		s.ready[name] = check
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc JobService, downloads Downloads, clock crawler.Clock, cfg Config, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Server{
		jobs:      svc,
		downloads: downloads,
		clock:     clock,
		cfg:       cfg,
		ready:     make(map[string]ReadyCheck),
		logger:    zap.NewNop(),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Streaming routes stay outside the timeout handler, which
		// buffers the response.
		r.Get("/api/jobs/{jobId}/events", s.streamEvents)
		r.Get("/download/{jobId}", s.download)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/convert", s.convert)
			r.Post("/api/convert", s.convert)
			r.Get("/api/jobs/{jobId}", s.getJob)
			r.Delete("/api/jobs/{jobId}", s.deleteJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
