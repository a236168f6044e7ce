// Package frontier owns URL discovery for a single crawl: the seen set, the
// FIFO work queue and the scheduler that drives a bounded worker pool over it.
package frontier

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Sizing for the seen-set prefilter.
const (
	expectedURLs      = 10000
	falsePositiveRate = 0.01
)

// Item is a URL waiting to be fetched.
type Item struct {
	URL       string
	Depth     int
	Discovery int
}

// Frontier is a FIFO queue of unseen URLs. URLs must already be normalized.
// The bloom filter answers most "never seen" checks; the exact set resolves
// its false positives so no URL is ever dropped by mistake.
type Frontier struct {
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	seen     map[string]struct{}
	queue    []Item
	next     int
	accepted int
}

// New creates an empty Frontier.
func New() *Frontier {
	return &Frontier{
		filter: bloom.NewWithEstimates(expectedURLs, falsePositiveRate),
		seen:   make(map[string]struct{}),
	}
}

// Push enqueues url at depth unless it was seen before. It reports whether
// the URL was added.
func (f *Frontier) Push(url string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.markLocked(url) {
		return false
	}
	f.queue = append(f.queue, Item{URL: url, Depth: depth, Discovery: f.accepted})
	f.accepted++
	return true
}

// MarkSeen records url without queueing it, e.g. the target of a redirect.
func (f *Frontier) MarkSeen(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markLocked(url)
}

func (f *Frontier) markLocked(url string) bool {
	if f.filter.TestString(url) {
		if _, ok := f.seen[url]; ok {
			return false
		}
	}
	f.filter.AddString(url)
	f.seen[url] = struct{}{}
	return true
}

// Pop returns the oldest queued item.
func (f *Frontier) Pop() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.next >= len(f.queue) {
		return Item{}, false
	}
	item := f.queue[f.next]
	f.queue[f.next] = Item{}
	f.next++
	if f.next == len(f.queue) {
		f.queue = f.queue[:0]
		f.next = 0
	}
	return item, true
}

// Len returns the number of queued items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.next
}

// Seen reports whether url was pushed or marked.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.filter.TestString(url) {
		return false
	}
	_, ok := f.seen[url]
	return ok
}

// Accepted returns how many URLs have ever been queued.
func (f *Frontier) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}
