// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobState represents the lifecycle state of a conversion job.
type JobState string

// Job states persisted in the job store.
const (
	JobStateQueued     JobState = "queued"
	JobStateCrawling   JobState = "crawling"
	JobStateProcessing JobState = "processing"
	JobStatePackaging  JobState = "packaging"
	JobStateComplete   JobState = "complete"
	JobStateFailed     JobState = "failed"
	JobStateExpired    JobState = "expired"
)

// Reason codes attached to failed jobs.
const (
	ReasonSeedUnreachable = "seed-unreachable"
	ReasonNoContentFound  = "no-content-found"
	ReasonStorageError    = "storage-error"
	ReasonCancelled       = "cancelled"
	ReasonInternalError   = "internal-error"
)

// OutputFormat selects how converted pages are packaged.
type OutputFormat string

// Supported output formats.
const (
	FormatSingle  OutputFormat = "single"
	FormatArchive OutputFormat = "archive"
)

// Valid reports whether f names a supported format.
func (f OutputFormat) Valid() bool {
	return f == FormatSingle || f == FormatArchive
}

// ScopeConfig limits which URLs a job will crawl.
type ScopeConfig struct {
	PathPrefix string `json:"path_prefix,omitempty"`
	Include    string `json:"include,omitempty"`
	Exclude    string `json:"exclude,omitempty"`
}

// MarkdownOptions toggles optional conversion features.
type MarkdownOptions struct {
	Frontmatter bool `json:"frontmatter"`
	EmbedImages bool `json:"embed_images"`
}

// JobCounters tracks crawl progress. All fields only ever grow.
type JobCounters struct {
	Discovered int `json:"discovered"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Skipped    int `json:"skipped"`
}

// Merge returns the field-wise maximum of c and other.
func (c JobCounters) Merge(other JobCounters) JobCounters {
	return JobCounters{
		Discovered: max(c.Discovered, other.Discovered),
		Processed:  max(c.Processed, other.Processed),
		Succeeded:  max(c.Succeeded, other.Succeeded),
		Skipped:    max(c.Skipped, other.Skipped),
	}
}

// Job is the record kept for each conversion request.
type Job struct {
	ID        string          `json:"id"`
	SeedURL   string          `json:"seed_url"`
	Scope     ScopeConfig     `json:"scope"`
	Format    OutputFormat    `json:"format"`
	Options   MarkdownOptions `json:"options"`
	MaxPages  int             `json:"max_pages"`
	State     JobState        `json:"state"`
	Counters  JobCounters     `json:"counters"`
	Reason    string          `json:"reason,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
	Artifact  *Artifact       `json:"artifact,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Artifact describes a stored, downloadable job result.
type Artifact struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	JobID       string    `json:"job_id"`
	Filename    string    `json:"filename"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Position orders a page within the assembled output.
type Position struct {
	// NavIndex is the page's index in the seed navigation, or -1 when absent.
	NavIndex int
	// Discovery is the order in which the page was first seen.
	Discovery int
	// PathDepth is the number of non-empty URL path segments.
	PathDepth int
}

// Page is one fetched and converted URL.
type Page struct {
	URL         string
	ContentType string
	Title       string
	HTML        string
	Markdown    string
	Position    Position
	Links       []string
	Depth       int
}

// Extraction is the output of the content extractor.
type Extraction struct {
	Title    string
	HTML     string
	Links    []string
	NavLinks []string
	Empty    bool
}

// SkipReason names why a page was left out of the output.
type SkipReason string

// Skip reasons recorded in the summary.
const (
	SkipTimeout                SkipReason = "timeout"
	SkipHTTPError              SkipReason = "http-error"
	SkipConnectionError        SkipReason = "connection-error"
	SkipUnsupportedContentType SkipReason = "unsupported-content-type"
	SkipNoContentExtracted     SkipReason = "no-content-extracted"
	SkipConversionError        SkipReason = "conversion-error"
	SkipDuplicateContent       SkipReason = "duplicate-content"
	SkipOutOfScope             SkipReason = "out-of-scope"
	SkipOutOfScopeRedirect     SkipReason = "out-of-scope-redirect"
)

// SkippedPage records a page that reached a terminal non-success outcome.
type SkippedPage struct {
	URL    string     `json:"url"`
	Reason SkipReason `json:"reason"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Headers http.Header
	// ContentTypes lists accepted content type prefixes; empty means HTML only.
	ContentTypes []string
}

// FetchResponse contains the result of a fetch.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	Attempts    int
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	ContentType string
	Size        int64
	Modified    time.Time
	Metadata    map[string]string
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
	// Receipt is set by the queue on consume and passed back to Ack.
	Receipt string `json:"-"`
}
