package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// JobStore is the in-process job registry. Every mutation happens under one
// lock, so Transition is a true compare-and-transition.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Transition moves jobID to next when its current state is listed in from
// and the move is a legal forward step.
func (s *JobStore) Transition(
	_ context.Context,
	jobID string,
	from []crawler.JobState,
	next crawler.JobState,
	mutate func(*crawler.Job),
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if !slices.Contains(from, job.State) || !job.State.CanTransition(next) {
		return cloneJob(job), fmt.Errorf("%s -> %s: %w", job.State, next, crawler.ErrInvalidTransition)
	}
	counters := job.Counters
	job.State = next
	if mutate != nil {
		mutate(&job)
	}
	job.Counters = counters.Merge(job.Counters)
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// UpdateCounters max-merges counters into the stored job.
func (s *JobStore) UpdateCounters(_ context.Context, jobID string, counters crawler.JobCounters) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	job.Counters = job.Counters.Merge(counters)
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListExpired returns complete jobs whose expiry is at or before now.
func (s *JobStore) ListExpired(_ context.Context, now time.Time) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.State == crawler.JobStateComplete && job.ExpiresAt != nil && !job.ExpiresAt.After(now) {
			out = append(out, cloneJob(job))
		}
	}
	slices.SortFunc(out, func(a, b crawler.Job) int { return a.ExpiresAt.Compare(*b.ExpiresAt) })
	return out, nil
}

func cloneJob(job crawler.Job) crawler.Job {
	if job.Artifact != nil {
		artifact := *job.Artifact
		job.Artifact = &artifact
	}
	if job.ExpiresAt != nil {
		expires := *job.ExpiresAt
		job.ExpiresAt = &expires
	}
	return job
}
