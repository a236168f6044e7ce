package markdown

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// DefaultMaxImageBytes bounds an embedded image when no limit is configured.
const DefaultMaxImageBytes = 2 << 20

// FetcherImages adapts a crawler.Fetcher into an ImageFetcher. Only image/*
// responses up to MaxBytes are accepted.
type FetcherImages struct {
	Fetcher  crawler.Fetcher
	JobID    string
	MaxBytes int
}

// FetchImage implements ImageFetcher.
func (f FetcherImages) FetchImage(ctx context.Context, imageURL string) (string, []byte, error) {
	resp, err := f.Fetcher.Fetch(ctx, crawler.FetchRequest{
		JobID:        f.JobID,
		URL:          imageURL,
		ContentTypes: []string{"image/"},
	})
	if err != nil {
		return "", nil, err
	}
	if !strings.HasPrefix(strings.ToLower(resp.ContentType), "image/") {
		return "", nil, fmt.Errorf("unexpected content type %q", resp.ContentType)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxImageBytes
	}
	if len(resp.Body) == 0 || len(resp.Body) > limit {
		return "", nil, fmt.Errorf("image size %d outside limit %d", len(resp.Body), limit)
	}
	return resp.ContentType, resp.Body, nil
}
