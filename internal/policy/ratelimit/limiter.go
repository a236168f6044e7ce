// Package ratelimit spaces requests per key and adapts the spacing to server
// pressure.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/docs2md/internal/metrics"
)

// Defaults used by DefaultConfig.
const (
	DefaultInitialDelay = 750 * time.Millisecond
	DefaultMinDelay     = 250 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultPauseCap     = time.Minute
)

// Config holds limiter configuration. A zero InitialDelay disables spacing
// until the first slow-down.
type Config struct {
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	// PauseCap bounds the one-off pause taken for a Retry-After hint.
	PauseCap time.Duration
}

// DefaultConfig returns the politeness defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: DefaultInitialDelay,
		MinDelay:     DefaultMinDelay,
		MaxDelay:     DefaultMaxDelay,
		PauseCap:     DefaultPauseCap,
	}
}

type entry struct {
	limiter    *rate.Limiter
	interval   time.Duration
	pauseUntil time.Time
}

// Limiter manages per-key spacing. Keys are usually host plus worker slot.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MinDelay > cfg.MaxDelay {
		cfg.MinDelay = cfg.MaxDelay
	}
	if cfg.InitialDelay > 0 && cfg.InitialDelay < cfg.MinDelay {
		cfg.InitialDelay = cfg.MinDelay
	}
	if cfg.PauseCap <= 0 {
		cfg.PauseCap = DefaultPauseCap
	}
	return &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *Limiter) entryLocked(key string) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{interval: l.cfg.InitialDelay}
		e.limiter = rate.NewLimiter(limitFor(e.interval), 1)
		l.entries[key] = e
	}
	return e
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Wait blocks until the next request for key may start, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	e := l.entryLocked(key)
	limiter := e.limiter
	pause := e.pauseUntil.Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit pause: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// ReportResult feeds a fetch outcome back into the spacing for key. A 429 or
// 5xx doubles the interval up to MaxDelay; any other completed response
// halves it back toward MinDelay. retryAfter, when set, also pauses the key
// once for that long.
func (l *Limiter) ReportResult(key string, statusCode int, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(key)
	next := e.interval
	if underPressure(statusCode) {
		next = max(e.interval*2, l.cfg.MinDelay, DefaultMinDelay)
		next = min(next, l.cfg.MaxDelay)
		if retryAfter > 0 {
			e.pauseUntil = l.now().Add(min(retryAfter, l.cfg.PauseCap))
		}
	} else if statusCode > 0 {
		next = e.interval / 2
		if next < l.cfg.MinDelay {
			next = l.cfg.MinDelay
		}
	}
	if next != e.interval {
		e.interval = next
		e.limiter.SetLimit(limitFor(next))
	}
}

// Interval reports the current spacing for key.
func (l *Limiter) Interval(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(key).interval
}

func underPressure(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}
