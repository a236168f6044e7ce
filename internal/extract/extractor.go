// Package extract isolates the documentation body of a fetched page and
// collects the links used for frontier expansion.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
)

// mainContentSelectors are tried in order; the first non-empty match wins.
// They cover Docusaurus, MkDocs Material and the common generic layouts.
var mainContentSelectors = []string{
	`div.theme-doc-markdown.markdown`,
	`article.md-content__inner`,
	`main .content`,
	`div[role="main"]`,
	`main`,
	`article`,
	`#content`,
	`.content`,
	`#main-content`,
	`.main-content`,
}

var navSelectors = []string{"nav", ".sidebar", ".toc", "#sidebar", "#nav", "#toc", ".menu"}

var chromeSelectors = strings.Join([]string{
	"nav", "footer", "aside", "script", "style", "noscript", "iframe", "form",
	".sidebar", ".toc", ".breadcrumbs", "[role=navigation]", ".edit-this-page",
	".pagination-nav", ".theme-doc-footer", ".hash-link",
}, ", ")

// Extractor pulls main content, title, navigation order and links out of HTML.
type Extractor struct {
	logger         *zap.Logger
	useReadability bool
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithReadabilityFallback toggles the readability pass used when no known
// content container is present. It is enabled by default.
func WithReadabilityFallback(enabled bool) Option {
	return func(e *Extractor) {
		e.useReadability = enabled
	}
}

// New builds an Extractor.
func New(logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{logger: logger, useReadability: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses html fetched from pageURL. A page without recognizable
// content yields an Extraction with Empty set rather than an error; errors
// are reserved for input that cannot be parsed at all.
func (e *Extractor) Extract(pageURL string, html []byte) (crawler.Extraction, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	out := crawler.Extraction{
		Links:    collectLinks(doc.Selection, base, "a[href]"),
		NavLinks: collectLinks(doc.Selection, base, strings.Join(navLinkSelectors(), ", ")),
	}

	content := e.mainContent(doc, pageURL, html)
	stripChrome(content)

	out.Title = pickTitle(doc, content, base)
	fragment, err := content.Html()
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("render content: %w", err)
	}
	out.HTML = strings.TrimSpace(fragment)
	out.Empty = isEmpty(content)
	return out, nil
}

func (e *Extractor) mainContent(doc *goquery.Document, pageURL string, raw []byte) *goquery.Selection {
	for _, sel := range mainContentSelectors {
		match := doc.Find(sel).First()
		if match.Length() > 0 && !isEmpty(match) {
			return match
		}
	}
	if e.useReadability {
		if sel := readabilityContent(pageURL, raw); sel != nil {
			return sel
		}
		e.logger.Debug("readability fallback found nothing", zap.String("url", pageURL))
	}
	return doc.Find("body").First()
}

func readabilityContent(pageURL string, raw []byte) *goquery.Selection {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	article, err := readability.FromReader(bytes.NewReader(raw), parsed)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return nil
	}
	body := doc.Find("body").First()
	if isEmpty(body) {
		return nil
	}
	return body
}

// stripChrome drops navigation and boilerplate. Page headers that carry the
// document's h1 stay so the title survives conversion.
func stripChrome(content *goquery.Selection) {
	content.Find(chromeSelectors).Remove()
	content.Find("header").Each(func(_ int, header *goquery.Selection) {
		if header.Find("h1").Length() == 0 {
			header.Remove()
		}
	})
}

func navLinkSelectors() []string {
	out := make([]string, 0, len(navSelectors))
	for _, sel := range navSelectors {
		out = append(out, sel+" a[href]")
	}
	return out
}

func collectLinks(root *goquery.Selection, base *url.URL, selector string) []string {
	seen := make(map[string]struct{})
	var links []string
	root.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, exists := sel.Attr("href")
		if !exists || strings.TrimSpace(href) == "" || isNonHTTPLink(href) {
			return
		}
		resolved, err := crawler.ResolveURL(base.String(), href)
		if err != nil {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

// isNonHTTPLink checks if a href should never be followed.
func isNonHTTPLink(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "data:")
}

func pickTitle(doc *goquery.Document, content *goquery.Selection, base *url.URL) string {
	if h1 := cleanText(content.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && cleanText(og) != "" {
		return cleanText(og)
	}
	if title := trimSiteSuffix(cleanText(doc.Find("title").First().Text())); title != "" {
		return title
	}
	if h1 := cleanText(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	name := path.Base(strings.TrimSuffix(base.Path, "/"))
	if name == "" || name == "." || name == "/" {
		return base.Host
	}
	return name
}

func trimSiteSuffix(title string) string {
	for _, sep := range []string{" | ", " - ", " \u2014 ", " \u00b7 "} {
		if idx := strings.Index(title, sep); idx > 0 {
			return strings.TrimSpace(title[:idx])
		}
	}
	return title
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u200b", "")
	return strings.Join(strings.Fields(s), " ")
}

func isEmpty(sel *goquery.Selection) bool {
	if cleanText(sel.Text()) != "" {
		return false
	}
	return sel.Find("img, pre, code, table").Length() == 0
}
