// Package redis implements the job queue on Redis Streams with a consumer
// group, so several service replicas can share one queue.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

const (
	payloadField    = "job"
	defaultStream   = "docs2md:jobs"
	defaultGroup    = "docs2md-workers"
	defaultConsumer = "worker"
	defaultBlock    = 2 * time.Second
)

// Config names the stream and consumer identity.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds each XREADGROUP wait so Consume notices cancellation.
	Block time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	return c
}

// Queue implements crawler.Queue. Consumed items stay pending in the group
// until Ack.
type Queue struct {
	client *goredis.Client
	cfg    Config
	logger *zap.Logger
}

// New creates the consumer group (and stream) when missing.
func New(ctx context.Context, client *goredis.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.Group, err)
	}
	return &Queue{client: client, cfg: cfg, logger: logger.Named("redis_queue")}, nil
}

// Enqueue appends item to the stream.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.cfg.Stream, err)
	}
	q.logger.Debug("job enqueued", zap.String("job_id", item.JobID), zap.String("stream_id", id))
	return nil
}

// Consume blocks until a new item is delivered to this consumer or ctx ends.
// Malformed entries are acknowledged and skipped.
func (q *Queue) Consume(ctx context.Context) (crawler.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("consume canceled: %w", err)
		}
		streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.QueueItem{}, fmt.Errorf("consume canceled: %w", ctx.Err())
			}
			return crawler.QueueItem{}, fmt.Errorf("xreadgroup %s: %w", q.cfg.Stream, err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				item, ok := q.decode(msg)
				if !ok {
					if err := q.ack(ctx, msg.ID); err != nil {
						return crawler.QueueItem{}, err
					}
					continue
				}
				return item, nil
			}
		}
	}
}

func (q *Queue) decode(msg goredis.XMessage) (crawler.QueueItem, bool) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		q.logger.Warn("queue entry without payload", zap.String("stream_id", msg.ID))
		return crawler.QueueItem{}, false
	}
	var item crawler.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil || item.JobID == "" {
		q.logger.Warn("malformed queue entry", zap.String("stream_id", msg.ID), zap.Error(err))
		return crawler.QueueItem{}, false
	}
	item.Receipt = msg.ID
	return item, true
}

// Ack removes item from the group's pending list.
func (q *Queue) Ack(ctx context.Context, item crawler.QueueItem) error {
	if item.Receipt == "" {
		return nil
	}
	return q.ack(ctx, item.Receipt)
}

func (q *Queue) ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

// Pending reports how many delivered entries are still unacknowledged.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	summary, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", q.cfg.Stream, err)
	}
	return summary.Count, nil
}

// Ping checks that Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
