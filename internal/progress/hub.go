package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the inbound channel (default 1024).
//   - MaxBatchEvents: flush once this many events are pending (default 256).
//   - MaxBatchWait: flush a partial batch this long after its first event (default 500ms).
//   - SinkTimeout: per-sink deadline for each flush (default 5s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches events on a background goroutine and hands each batch to its
// sinks. Emit never blocks; events are dropped when the buffer is full.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	dropped     atomic.Int64
	dropLimiter rateLimiter
	closed      atomic.Bool
	closeOnce   sync.Once
}

// NewHub starts a Hub that feeds the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.cfg.Logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close flushes pending events, closes the sinks and waits for the batching
// goroutine to exit or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	flush := func() {
		if len(batch) > 0 {
			h.flush(batch)
			batch = batch[:0]
		}
		deadline = nil
	}
	for {
		select {
		case evt := <-h.events:
			if len(batch) == 0 {
				deadline = time.After(h.cfg.MaxBatchWait)
			}
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			}
		case <-deadline:
			flush()
		case <-h.stop:
		drain:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.cfg.Logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// rateLimiter throttles repeated warnings.
type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
