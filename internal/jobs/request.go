// Package jobs owns the conversion job lifecycle: validation and submission,
// compare-and-transition state changes, counters, progress fan-out,
// cancellation, and completion notifications.
package jobs

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// ErrValidation marks a request rejected before any job was created.
var ErrValidation = errors.New("invalid request")

// Request is a conversion submission.
type Request struct {
	URL         string               `json:"url"`
	PathPrefix  string               `json:"path_prefix,omitempty"`
	Include     string               `json:"include,omitempty"`
	Exclude     string               `json:"exclude,omitempty"`
	Format      crawler.OutputFormat `json:"format,omitempty"`
	Frontmatter bool                 `json:"frontmatter"`
	EmbedImages bool                 `json:"embed_images"`
	MaxPages    int                  `json:"max_pages,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Validate checks the request and returns it with defaults applied.
func (r Request) Validate(defaultMaxPages, maxPagesLimit int) (Request, error) {
	r.URL = strings.TrimSpace(r.URL)
	if r.URL == "" {
		return r, invalid("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() {
		return r, invalid("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return r, invalid("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return r, invalid("url has no host")
	}
	if r.PathPrefix != "" && !strings.HasPrefix(r.PathPrefix, "/") {
		return r, invalid("path_prefix must start with /")
	}
	for name, pattern := range map[string]string{"include": r.Include, "exclude": r.Exclude} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return r, invalid("%s is not a valid regular expression", name)
		}
	}
	if r.Format == "" {
		r.Format = crawler.FormatSingle
	}
	if !r.Format.Valid() {
		return r, invalid("unknown format %q", r.Format)
	}
	switch {
	case r.MaxPages < 0:
		return r, invalid("max_pages must be positive")
	case r.MaxPages == 0:
		r.MaxPages = defaultMaxPages
	case maxPagesLimit > 0 && r.MaxPages > maxPagesLimit:
		r.MaxPages = maxPagesLimit
	}
	return r, nil
}
