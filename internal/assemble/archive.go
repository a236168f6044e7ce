package assemble

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// Archive entry names.
const (
	DocsDir     = "docs"
	OrderFile   = "order.txt"
	SummaryFile = "SUMMARY.md"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Archive packages pages as a zip with one Markdown file per page under
// docs/, mirroring the URL path, plus order.txt and SUMMARY.md.
func Archive(pages []crawler.Page, summary Summary) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	ordered := Order(pages)
	modified := summary.GeneratedAt
	if modified.IsZero() {
		modified = time.Now().UTC()
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := ArchivePaths(ordered)
	for i, p := range ordered {
		if err := writeEntry(zw, path.Join(DocsDir, names[i]), []byte(p.Markdown), modified); err != nil {
			return nil, err
		}
	}
	order := strings.Join(names, "\n") + "\n"
	if err := writeEntry(zw, OrderFile, []byte(order), modified); err != nil {
		return nil, err
	}
	if err := writeEntry(zw, SummaryFile, []byte(summary.Markdown(len(ordered), 1)), modified); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ArchivePaths maps each page to a relative .md path derived from its URL
// path. Collisions get a -N suffix in order.
func ArchivePaths(pages []crawler.Page) []string {
	used := make(map[string]struct{}, len(pages))
	out := make([]string, len(pages))
	for i, p := range pages {
		base := strings.TrimSuffix(pagePath(p.URL), ".md")
		name := base + ".md"
		for n := 1; ; n++ {
			if _, taken := used[name]; !taken {
				break
			}
			name = fmt.Sprintf("%s-%d.md", base, n)
		}
		used[name] = struct{}{}
		out[i] = name
	}
	return out
}

func pagePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "index"
	}
	p := u.Path
	dir := p == "" || strings.HasSuffix(p, "/")
	var segments []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		seg = strings.Trim(unsafeSegment.ReplaceAllString(seg, "-"), "-.")
		if seg == "" {
			seg = "_"
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "index"
	}
	if dir {
		segments = append(segments, "index")
	} else {
		last := segments[len(segments)-1]
		for _, ext := range []string{".html", ".htm", ".php", ".aspx"} {
			last = strings.TrimSuffix(last, ext)
		}
		if last == "" {
			last = "index"
		}
		segments[len(segments)-1] = last
	}
	return strings.Join(segments, "/")
}
