// Package assemble orders converted pages into the documentation hierarchy
// and packages them as a single Markdown file or a zip archive.
package assemble

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// Order returns pages in hierarchy order: pages found in the site navigation
// first by nav index, then the rest in discovery order. Ties break on URL so
// the result is deterministic.
func Order(pages []crawler.Page) []crawler.Page {
	out := slices.Clone(pages)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Position, out[j].Position
		aNav, bNav := a.NavIndex >= 0, b.NavIndex >= 0
		switch {
		case aNav != bNav:
			return aNav
		case aNav && a.NavIndex != b.NavIndex:
			return a.NavIndex < b.NavIndex
		case !aNav && a.Discovery != b.Discovery:
			return a.Discovery < b.Discovery
		default:
			return out[i].URL < out[j].URL
		}
	})
	return out
}

// Summary describes the crawl outcome appended to every artifact.
type Summary struct {
	SeedURL     string
	Skipped     []crawler.SkippedPage
	Partial     bool
	MaxPages    int
	GeneratedAt time.Time
}

type reasonCount struct {
	reason crawler.SkipReason
	count  int
}

func (s Summary) reasons() []reasonCount {
	counts := make(map[crawler.SkipReason]int)
	for _, skipped := range s.Skipped {
		counts[skipped.Reason]++
	}
	out := make([]reasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, reasonCount{reason: reason, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].reason < out[j].reason
	})
	return out
}

// Markdown renders the summary with its heading at level.
func (s Summary) Markdown(pageCount, level int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Summary\n\n", strings.Repeat("#", level))
	if s.SeedURL != "" {
		fmt.Fprintf(&b, "- Source: %s\n", s.SeedURL)
	}
	if !s.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Pages converted: %d\n", pageCount)
	fmt.Fprintf(&b, "- Pages skipped: %d\n", len(s.Skipped))
	for _, rc := range s.reasons() {
		fmt.Fprintf(&b, "  - %s: %d\n", rc.reason, rc.count)
	}
	if s.Partial {
		fmt.Fprintf(&b, "\n> Partial result: the crawl stopped at the limit of %d pages.\n", s.MaxPages)
	}
	return b.String()
}
