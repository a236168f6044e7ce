package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore is the shared job registry.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// Transition moves a job from one of the allowed states to next and
	// applies mutate to the stored record. It returns ErrInvalidTransition
	// when the current state is not in from.
	Transition(ctx context.Context, jobID string, from []JobState, next JobState, mutate func(*Job)) (Job, error)
	// UpdateCounters merges counters into the stored record without
	// letting any field decrease.
	UpdateCounters(ctx context.Context, jobID string, counters JobCounters) (Job, error)
	// ListExpired returns complete jobs whose artifact expired at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]Job, error)
}

// ArtifactStore persists job artifacts in object storage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, info ObjectInfo, data io.Reader) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Delete removes key; deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue decouples job submission from job execution.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Consume(ctx context.Context) (QueueItem, error)
	Ack(ctx context.Context, item QueueItem) error
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, int64, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
