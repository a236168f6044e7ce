package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q, err := New(context.Background(), client, Config{Block: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestQueueRoundTripAndAck(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Ping(ctx))
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "job-1", Attempt: 1, Submitted: 42}))
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "job-2", Attempt: 1}))

	first, err := q.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", first.JobID)
	require.Equal(t, int64(42), first.Submitted)
	require.NotEmpty(t, first.Receipt)

	second, err := q.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-2", second.JobID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), pending)

	require.NoError(t, q.Ack(ctx, first))
	require.NoError(t, q.Ack(ctx, second))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestQueueSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: "{not json"},
	}).Err())
	require.NoError(t, q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"other": "x"},
	}).Err())
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "job-ok"}))

	item, err := q.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-ok", item.JobID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}

func TestQueueConsumeHonoursCancellation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := q.Consume(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewIsIdempotent(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	again, err := New(context.Background(), client, q.cfg, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
