package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// ResolveURL resolves ref against base and normalizes the result.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse ref url: %w", err)
	}
	return NormalizeURL(baseURL.ResolveReference(refURL).String())
}

// PathDepth counts the non-empty path segments of rawURL.
func PathDepth(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	depth := 0
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			depth++
		}
	}
	return depth
}

var nonHTMLExtensions = map[string]struct{}{
	".7z": {}, ".avi": {}, ".bmp": {}, ".bz2": {}, ".css": {}, ".csv": {},
	".dmg": {}, ".doc": {}, ".docx": {}, ".eot": {}, ".epub": {}, ".exe": {},
	".gif": {}, ".gz": {}, ".ico": {}, ".jpeg": {}, ".jpg": {}, ".js": {},
	".json": {}, ".map": {}, ".mjs": {}, ".mov": {}, ".mp3": {}, ".mp4": {},
	".otf": {}, ".pdf": {}, ".png": {}, ".ppt": {}, ".pptx": {}, ".rar": {},
	".rss": {}, ".svg": {}, ".tar": {}, ".tgz": {}, ".ttf": {}, ".txt": {},
	".wasm": {}, ".wav": {}, ".webm": {}, ".webp": {}, ".woff": {}, ".woff2": {},
	".xls": {}, ".xlsx": {}, ".xml": {}, ".yaml": {}, ".yml": {}, ".zip": {},
}

// HasNonHTMLExtension reports whether the URL path names an obvious non-page asset.
func HasNonHTMLExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	_, found := nonHTMLExtensions[ext]
	return found
}

// IsHTMLContentType reports whether a response with the given content type
// should be forwarded to extraction. Empty or generic types are accepted
// only for URLs without a non-HTML extension.
func IsHTMLContentType(contentType, rawURL string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch ct {
	case "text/html", "application/xhtml+xml":
		return true
	case "", "application/octet-stream":
		return !HasNonHTMLExtension(rawURL)
	default:
		return false
	}
}
