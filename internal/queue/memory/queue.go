// Package memory provides an in-process job queue for single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations. Items
// are delivered at most once, so Ack is a no-op.
type Queue struct {
	ch        chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, waiting for room until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.ch <- item:
		return nil
	}
}

// Consume pops the next item. Items already queued are still handed out
// after Close; once drained it returns crawler.ErrQueueClosed.
func (q *Queue) Consume(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("consume canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
	}
}

// Ack implements crawler.Queue.
func (q *Queue) Ack(context.Context, crawler.QueueItem) error {
	return nil
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
