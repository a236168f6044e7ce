package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned by job stores for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose ID is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrInvalidTransition is returned when a state change would regress a job.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrObjectNotFound is returned by artifact stores for unknown keys.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned once a queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// FailureKind classifies fetch failures.
type FailureKind string

// Fetch failure kinds.
const (
	FailureTimeout                FailureKind = "timeout"
	FailureHTTPError              FailureKind = "http-error"
	FailureConnectionError        FailureKind = "connection-error"
	FailureUnsupportedContentType FailureKind = "unsupported-content-type"
)

// FetchError is returned by fetchers for every failed fetch.
type FetchError struct {
	Kind       FailureKind
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SkipReason maps the failure kind onto the summary skip reason.
func (e *FetchError) SkipReason() SkipReason {
	switch e.Kind {
	case FailureTimeout:
		return SkipTimeout
	case FailureConnectionError:
		return SkipConnectionError
	case FailureUnsupportedContentType:
		return SkipUnsupportedContentType
	default:
		return SkipHTTPError
	}
}

// Transient reports whether the failure is worth retrying.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case FailureTimeout, FailureConnectionError:
		return true
	case FailureHTTPError:
		return e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}
