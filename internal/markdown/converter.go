// Package markdown turns extracted HTML fragments into normalized Markdown.
package markdown

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// ErrEmptyOutput is returned when conversion produced no Markdown body.
var ErrEmptyOutput = errors.New("conversion produced empty output")

// Input is a single page to convert.
type Input struct {
	URL   string
	Title string
	HTML  string
}

// ImageFetcher downloads an image referenced by a page.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL string) (contentType string, data []byte, err error)
}

// Converter wraps html-to-markdown and applies the pre- and post-processing
// passes needed for clean LLM input.
type Converter struct {
	conv   *converter.Converter
	clock  crawler.Clock
	images ImageFetcher
	logger *zap.Logger
}

// Option customizes a Converter.
type Option func(*Converter)

// WithImageFetcher sets the fetcher used when image embedding is requested.
func WithImageFetcher(f ImageFetcher) Option {
	return func(c *Converter) {
		c.images = f
	}
}

// WithLogger sets the converter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConverter creates a Converter. clock stamps frontmatter dates.
func NewConverter(clock crawler.Clock, opts ...Option) *Converter {
	c := &Converter{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		clock:  clock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert renders in as Markdown according to opts.
func (c *Converter) Convert(ctx context.Context, in Input, opts crawler.MarkdownOptions) (string, error) {
	if strings.TrimSpace(in.HTML) == "" {
		return "", ErrEmptyOutput
	}
	pageURL, err := url.Parse(in.URL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}
	normalizeCodeBlocks(doc.Selection)
	absolutizeRefs(doc.Selection, pageURL)
	if opts.EmbedImages && c.images != nil {
		c.embedImages(ctx, doc.Selection)
	}

	fragment, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("render fragment: %w", err)
	}
	md, err := c.conv.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	md = Normalize(md)
	if strings.TrimSpace(md) == "" {
		return "", ErrEmptyOutput
	}

	if opts.Frontmatter {
		md = Frontmatter(in.Title, in.URL, c.now()) + "\n" + md
	}
	return md, nil
}

func (c *Converter) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now().UTC()
}

// Frontmatter renders the YAML header prepended to each page.
func Frontmatter(title, sourceURL string, at time.Time) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", yamlQuote(title))
	fmt.Fprintf(&b, "source_url: %s\n", yamlQuote(sourceURL))
	fmt.Fprintf(&b, "date: %s\n", yamlQuote(at.UTC().Format(time.RFC3339)))
	b.WriteString("---\n")
	return b.String()
}

// Body returns md without a leading frontmatter block.
func Body(md string) string {
	if !strings.HasPrefix(md, "---\n") {
		return md
	}
	end := strings.Index(md[4:], "\n---\n")
	if end < 0 {
		return md
	}
	return strings.TrimLeft(md[4+end+5:], "\n")
}

var yamlEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ", "\r", "")

func yamlQuote(s string) string {
	return `"` + yamlEscaper.Replace(s) + `"`
}

var languagePrefixes = []string{"language-", "lang-", "highlight-source-", "highlight-"}

// normalizeCodeBlocks makes every <pre> hold a single <code> element with a
// language-xxx class when any ancestor or descendant carries a language hint.
func normalizeCodeBlocks(root *goquery.Selection) {
	root.Find("pre").Each(func(_ int, pre *goquery.Selection) {
		lang := codeLanguage(pre.Find("code").First())
		if lang == "" {
			lang = codeLanguage(pre)
		}
		if lang == "" {
			pre.ParentsFiltered("div").EachWithBreak(func(_ int, div *goquery.Selection) bool {
				lang = codeLanguage(div)
				return lang == ""
			})
		}

		code := pre.Find("code").First()
		if code.Length() == 0 {
			pre.WrapInnerHtml("<code></code>")
			code = pre.Find("code").First()
		}
		if lang != "" {
			code.SetAttr("class", "language-"+lang)
		}
	})
}

func codeLanguage(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	if lang, ok := sel.Attr("data-language"); ok && strings.TrimSpace(lang) != "" {
		return strings.ToLower(strings.TrimSpace(lang))
	}
	class, _ := sel.Attr("class")
	for _, field := range strings.Fields(class) {
		for _, prefix := range languagePrefixes {
			if strings.HasPrefix(field, prefix) && len(field) > len(prefix) {
				return strings.ToLower(strings.TrimPrefix(field, prefix))
			}
		}
	}
	return ""
}

func absolutizeRefs(root *goquery.Selection, base *url.URL) {
	rewrite := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, sel *goquery.Selection) {
			raw, ok := sel.Attr(attr)
			raw = strings.TrimSpace(raw)
			if !ok || raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "data:") {
				return
			}
			ref, err := url.Parse(raw)
			if err != nil {
				return
			}
			sel.SetAttr(attr, base.ResolveReference(ref).String())
		}
	}
	root.Find("a[href]").Each(rewrite("href"))
	root.Find("img[src]").Each(rewrite("src"))
}

func (c *Converter) embedImages(ctx context.Context, root *goquery.Selection) {
	root.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if strings.HasPrefix(src, "data:") || ctx.Err() != nil {
			return
		}
		contentType, data, err := c.images.FetchImage(ctx, src)
		if err != nil {
			c.logger.Debug("image embed failed", zap.String("src", src), zap.Error(err))
			return
		}
		if i := strings.Index(contentType, ";"); i >= 0 {
			contentType = contentType[:i]
		}
		img.SetAttr("src", "data:"+strings.TrimSpace(contentType)+";base64,"+base64.StdEncoding.EncodeToString(data))
	})
}

var invisibleReplacer = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\u00a0", " ")

// Normalize removes invisible characters, trims trailing whitespace, collapses
// runs of blank lines and ends the document with exactly one newline. Fenced
// code is left untouched and a two-space hard break before a text line is kept.
func Normalize(md string) string {
	lines := strings.Split(strings.ReplaceAll(md, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	fence := ""
	blank := false
	for i, line := range lines {
		if fence != "" {
			out = append(out, line)
			if ClosesFence(line, fence) {
				fence = ""
			}
			continue
		}
		line = invisibleReplacer.Replace(line)
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		if strings.HasSuffix(line, "  ") && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			trimmed += "  "
		}
		fence = FenceMarker(strings.TrimLeft(trimmed, " "))
		out = append(out, trimmed)
	}
	md = strings.Trim(strings.Join(out, "\n"), "\n")
	if md == "" {
		return ""
	}
	return md + "\n"
}
