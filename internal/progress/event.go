package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// EventType discriminates the payload of an Event.
type EventType string

// Event types sent to subscribers.
const (
	// EventSnapshot carries the full job status and is always sent first.
	EventSnapshot EventType = "snapshot"
	// EventState reports a job state transition.
	EventState EventType = "state"
	// EventPage reports the outcome of one page.
	EventPage EventType = "page"
)

// Event is a single progress notification. Counters are a snapshot of the
// job's counters at the time of the event, so a consumer that misses events
// still sees non-decreasing values.
type Event struct {
	Type     EventType           `json:"type"`
	JobID    string              `json:"job_id"`
	TS       time.Time           `json:"ts"`
	State    crawler.JobState    `json:"state"`
	Counters crawler.JobCounters `json:"counters"`
	Reason   string              `json:"reason,omitempty"`
	URL      string              `json:"url,omitempty"`
	Title    string              `json:"title,omitempty"`
	Outcome  string              `json:"outcome,omitempty"`
	Partial  bool                `json:"partial,omitempty"`
}

// Validate reports whether the event carries the minimum required fields.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventSnapshot, EventState:
		if e.State == "" {
			return errors.New("state is required")
		}
	case EventPage:
		if e.URL == "" {
			return errors.New("url is required for page events")
		}
	default:
		return errors.New("unknown event type")
	}
	return nil
}

// Terminal reports whether no further events follow this one for its job.
func (e Event) Terminal() bool {
	return e.Type != EventPage && e.State.IsTerminal()
}

// SnapshotOf builds a snapshot event from a stored job.
func SnapshotOf(job crawler.Job, ts time.Time) Event {
	return Event{
		Type:     EventSnapshot,
		JobID:    job.ID,
		TS:       ts,
		State:    job.State,
		Counters: job.Counters,
		Reason:   job.Reason,
		Partial:  job.Partial,
	}
}

// StateOf builds a state transition event from a stored job.
func StateOf(job crawler.Job, ts time.Time) Event {
	evt := SnapshotOf(job, ts)
	evt.Type = EventState
	return evt
}
