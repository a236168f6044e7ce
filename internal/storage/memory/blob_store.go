// Package memory holds the in-process job registry and artifact store.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

type object struct {
	info crawler.ObjectInfo
	data []byte
}

// BlobStore keeps artifacts in memory and returns memory:// handles.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// Option customises a BlobStore.
type Option func(*BlobStore)

// WithClock sets the source of object modification times.
func WithClock(clock crawler.Clock) Option {
	return func(s *BlobStore) {
		s.now = clock.Now
	}
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore(opts ...Option) *BlobStore {
	s := &BlobStore{
		objects: make(map[string]object),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores the content under key.
func (s *BlobStore) Put(_ context.Context, key string, info crawler.ObjectInfo, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", key, err)
	}
	info.Key = key
	info.Size = int64(len(body))
	info.Modified = s.now()
	info.Metadata = maps.Clone(info.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{info: info, data: body}
	return "memory://" + key, nil
}

// Get returns a reader over a copy of the stored content.
func (s *BlobStore) Get(_ context.Context, key string) (io.ReadCloser, crawler.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, crawler.ObjectInfo{}, crawler.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(obj.data))), obj.info, nil
}

// Delete removes key. Unknown keys are ignored.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// List returns objects whose key starts with prefix, sorted by key.
func (s *BlobStore) List(_ context.Context, prefix string) ([]crawler.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	slices.SortFunc(out, func(a, b crawler.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}
