package assemble

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/markdown"
)

// ErrNoPages is returned when there is nothing to assemble.
var ErrNoPages = errors.New("no pages to assemble")

const maxHeadingLevel = 6

var atxHeading = regexp.MustCompile(`^(#{1,6})[ \t]+(.*?)(?:[ \t]+#+)?[ \t]*$`)

// Single concatenates pages into one Markdown document with a linked table
// of contents. Each page becomes a section whose level follows its URL depth
// relative to the shallowest page.
func Single(pages []crawler.Page, summary Summary) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	ordered := Order(pages)
	minDepth := ordered[0].Position.PathDepth
	for _, p := range ordered {
		minDepth = min(minDepth, p.Position.PathDepth)
	}

	slugs := newSlugger()
	slugs.claim("Table of Contents")

	var toc, body strings.Builder
	toc.WriteString("# Table of Contents\n\n")
	for _, p := range ordered {
		rel := p.Position.PathDepth - minDepth
		level := min(rel+1, maxHeadingLevel)
		title := pageTitle(p)
		anchor := slugs.claim(title)

		fmt.Fprintf(&toc, "%s- [%s](#%s)\n", strings.Repeat("  ", rel), escapeLinkText(title), anchor)

		body.WriteString("---\n\n")
		fmt.Fprintf(&body, "%s %s\n\n", strings.Repeat("#", level), title)
		fmt.Fprintf(&body, "Source: <%s>\n\n", p.URL)
		content := shiftHeadings(dropLeadingTitle(markdown.Body(p.Markdown), title), level, slugs)
		if content != "" {
			body.WriteString(content)
			body.WriteString("\n\n")
		}
	}

	var out strings.Builder
	out.WriteString(toc.String())
	out.WriteString("\n")
	out.WriteString(body.String())
	out.WriteString("---\n\n")
	slugs.claim("Summary")
	out.WriteString(summary.Markdown(len(ordered), 2))
	return []byte(markdown.Normalize(out.String())), nil
}

func pageTitle(p crawler.Page) string {
	title := strings.Join(strings.Fields(p.Title), " ")
	if title == "" {
		return p.URL
	}
	return title
}

var linkTextEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`)

func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}

// dropLeadingTitle removes the first heading when it repeats the section
// title that Single already emits.
func dropLeadingTitle(md, title string) string {
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := atxHeading.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[2]) == title {
			return strings.TrimLeft(strings.Join(lines[i+1:], "\n"), "\n")
		}
		break
	}
	return md
}

// shiftHeadings pushes every ATX heading outside fenced code down by by
// levels, capped at h6, and registers the resulting anchors so section slugs
// stay unique across the document.
func shiftHeadings(md string, by int, slugs *slugger) string {
	lines := strings.Split(strings.TrimRight(md, "\n"), "\n")
	fence := ""
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if fence != "" {
			if markdown.ClosesFence(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if f := markdown.FenceMarker(trimmed); f != "" {
			fence = f
			continue
		}
		m := atxHeading.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := min(len(m[1])+by, maxHeadingLevel)
		lines[i] = strings.Repeat("#", level) + " " + m[2]
		slugs.claim(m[2])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// slugger produces GitHub-style heading anchors, unique within a document.
type slugger struct {
	used map[string]int
}

func newSlugger() *slugger {
	return &slugger{used: make(map[string]int)}
}

func (s *slugger) claim(text string) string {
	base := Slug(text)
	n, taken := s.used[base]
	if !taken {
		s.used[base] = 0
		return base
	}
	for {
		n++
		candidate := fmt.Sprintf("%s-%d", base, n)
		if _, exists := s.used[candidate]; !exists {
			s.used[base] = n
			s.used[candidate] = 0
			return candidate
		}
	}
}

// Slug converts heading text to a GitHub-style anchor: lower case, letters,
// digits, underscores and hyphens kept, spaces turned into hyphens, the rest
// dropped.
func Slug(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "section"
	}
	return b.String()
}
