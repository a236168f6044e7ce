package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// RetryConfig tunes ExponentialRetryPolicy; zero values pick defaults and a
// negative MaxRetries disables retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ExponentialRetryPolicy retries transient fetch failures with jittered backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxRetries: 2,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
	switch {
	case cfg.MaxRetries > 0:
		p.maxRetries = cfg.MaxRetries
	case cfg.MaxRetries < 0:
		p.maxRetries = 0
	}
	if cfg.BaseDelay > 0 {
		p.baseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.maxDelay = cfg.MaxDelay
	}
	return p
}

// MaxAttempts is the total number of tries including the first.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxRetries + 1
}

// ShouldRetry decides whether the error is retryable after attempt tries.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var fetchErr *FetchError
		return errors.As(err, &fetchErr) && fetchErr.Kind == FailureTimeout
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the wait duration before attempt+1. A Retry-After hint on
// a FetchError wins when it is longer, capped at the policy maximum.
func (p *ExponentialRetryPolicy) Backoff(err error, attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	wait := time.Duration(delay/2) + jitter

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.RetryAfter > wait {
		wait = min(fetchErr.RetryAfter, p.maxDelay)
	}
	return wait
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
