package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// Broker fans events out to per-job subscribers. Each subscriber owns a
// bounded buffer; when it is full the oldest event is discarded so Publish
// never waits on a slow reader. Subscribers are closed after a terminal event.
type Broker struct {
	mu          sync.Mutex
	jobs        map[string]*jobSubs
	nextID      atomic.Uint64
	buffer      int
	logger      *zap.Logger
	dropped     atomic.Int64
	dropLimiter rateLimiter
}

// jobSubs holds one job's subscribers. Its mutex orders snapshot loads
// against that job's emits only; refs (guarded by Broker.mu) counts pending
// and registered subscribers so the entry can be dropped when unused.
type jobSubs struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	refs int
}

// NewBroker returns a Broker whose subscribers buffer up to bufferSize events.
func NewBroker(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		jobs:        make(map[string]*jobSubs),
		buffer:      bufferSize,
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

func (b *Broker) acquire(jobID string) *jobSubs {
	b.mu.Lock()
	defer b.mu.Unlock()
	js := b.jobs[jobID]
	if js == nil {
		js = &jobSubs{subs: make(map[uint64]chan Event)}
		b.jobs[jobID] = js
	}
	js.refs++
	return js
}

func (b *Broker) release(jobID string, js *jobSubs, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	js.refs -= n
	if js.refs <= 0 && b.jobs[jobID] == js {
		delete(b.jobs, jobID)
	}
}

func (b *Broker) lookup(jobID string) *jobSubs {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs[jobID]
}

// Subscribe registers a subscriber for jobID. load is called while publishing
// for that job is held off, and its event is delivered first; emits for other
// jobs proceed meanwhile. If the loaded event is terminal the returned
// channel holds only that event and is already closed. The returned func
// unsubscribes and is safe to call more than once.
func (b *Broker) Subscribe(jobID string, load func() (Event, error)) (<-chan Event, func(), error) {
	js := b.acquire(jobID)
	js.mu.Lock()

	first, err := load()
	if err != nil {
		js.mu.Unlock()
		b.release(jobID, js, 1)
		return nil, nil, err
	}
	ch := make(chan Event, b.buffer)
	ch <- first
	if first.Terminal() {
		close(ch)
		js.mu.Unlock()
		b.release(jobID, js, 1)
		return ch, func() {}, nil
	}

	id := b.nextID.Add(1)
	js.subs[id] = ch
	js.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(jobID, js, id) })
	}, nil
}

func (b *Broker) remove(jobID string, js *jobSubs, id uint64) {
	js.mu.Lock()
	ch, ok := js.subs[id]
	if ok {
		delete(js.subs, id)
		close(ch)
	}
	js.mu.Unlock()
	if ok {
		b.release(jobID, js, 1)
	}
}

// Emit delivers evt to every subscriber of its job.
func (b *Broker) Emit(evt Event) {
	if b == nil {
		return
	}
	js := b.lookup(evt.JobID)
	if js == nil {
		return
	}

	js.mu.Lock()
	for _, ch := range js.subs {
		b.deliver(ch, evt)
	}
	closed := 0
	if evt.Terminal() {
		for id, ch := range js.subs {
			close(ch)
			delete(js.subs, id)
			closed++
		}
	}
	js.mu.Unlock()
	if closed > 0 {
		b.release(evt.JobID, js, closed)
	}
}

func (b *Broker) deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	// Full: discard the oldest event. Only Emit sends, under the job's lock,
	// so the second send always finds room.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
	b.dropped.Add(1)
	if b.dropLimiter.Allow(time.Now()) {
		b.logger.Debug("progress subscriber overflow, oldest events dropped",
			zap.String("job_id", evt.JobID),
			zap.Int64("dropped", b.dropped.Swap(0)),
		)
	}
}

// Subscribers returns the number of open subscriptions for jobID.
func (b *Broker) Subscribers(jobID string) int {
	js := b.lookup(jobID)
	if js == nil {
		return 0
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return len(js.subs)
}
