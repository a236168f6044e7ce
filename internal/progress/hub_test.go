package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(pageEvent("job-1", "https://d.example.com/a"))
	hub.Emit(pageEvent("job-1", "https://d.example.com/b"))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(stateEvent("job-1", crawler.JobStateCrawling))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// No goroutine drains this hub, so the unbuffered channel is always full.
	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	for range 100 {
		hub.Emit(stateEvent("job-1", crawler.JobStateCrawling))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, sink)
	hub.Emit(Event{Type: EventPage, JobID: "job-1", TS: time.Now()})
	hub.Emit(Event{Type: "bogus", JobID: "job-1", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.Closed())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(stateEvent("job-1", crawler.JobStateComplete))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	// Emit after close is a no-op.
	hub.Emit(stateEvent("job-1", crawler.JobStateComplete))
	require.Len(t, sink.Batches(), 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func stateEvent(jobID string, state crawler.JobState) Event {
	return Event{Type: EventState, JobID: jobID, TS: time.Now(), State: state}
}

func pageEvent(jobID, url string) Event {
	return Event{Type: EventPage, JobID: jobID, TS: time.Now(), State: crawler.JobStateCrawling, URL: url, Outcome: "converted"}
}
