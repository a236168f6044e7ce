package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Decision is the outcome of a scope check.
type Decision string

// Scope decisions, in the order they are evaluated.
const (
	Accept            Decision = "accept"
	RejectMalformed   Decision = "malformed"
	RejectHost        Decision = "host"
	RejectPathPrefix  Decision = "path-prefix"
	RejectExcluded    Decision = "excluded"
	RejectNotIncluded Decision = "not-included"
	RejectAsset       Decision = "asset"
)

// Scope is a compiled ScopeConfig bound to a seed host.
type Scope struct {
	host       string
	pathPrefix string
	include    *regexp.Regexp
	exclude    *regexp.Regexp
}

// NewScope validates cfg and binds it to the seed URL's host.
func NewScope(seedURL string, cfg ScopeConfig) (*Scope, error) {
	seed, err := ValidateSeedURL(seedURL)
	if err != nil {
		return nil, err
	}
	s := &Scope{host: seed.Host}
	if prefix := strings.TrimSpace(cfg.PathPrefix); prefix != "" {
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		s.pathPrefix = prefix
	}
	if cfg.Include != "" {
		re, err := regexp.Compile(cfg.Include)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
		s.include = re
	}
	if cfg.Exclude != "" {
		re, err := regexp.Compile(cfg.Exclude)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		s.exclude = re
	}
	return s, nil
}

// ValidateSeedURL checks that raw is an absolute http(s) URL and returns it
// parsed with its host lower-cased and default port removed.
func ValidateSeedURL(raw string) (*url.URL, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url: %w", err)
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("seed url %q has no host", raw)
	}
	return u, nil
}

// Host returns the seed host the scope is bound to.
func (s *Scope) Host() string {
	return s.host
}

// Allow normalizes rawURL and decides whether it is in scope. The normalized
// URL is returned even for rejections when it could be computed.
func (s *Scope) Allow(rawURL string) (string, Decision) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", RejectMalformed
	}
	u, err := url.Parse(normalized)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return normalized, RejectMalformed
	}
	if u.Host != s.host {
		return normalized, RejectHost
	}
	if s.pathPrefix != "" && !matchesPrefix(u.Path, s.pathPrefix) {
		return normalized, RejectPathPrefix
	}
	// Exclude also sees the full URL so query strings can be filtered out;
	// include is judged on the path alone.
	if s.exclude != nil && (s.exclude.MatchString(u.Path) || s.exclude.MatchString(normalized)) {
		return normalized, RejectExcluded
	}
	if s.include != nil && !s.include.MatchString(u.Path) {
		return normalized, RejectNotIncluded
	}
	if HasNonHTMLExtension(normalized) {
		return normalized, RejectAsset
	}
	return normalized, Accept
}

// A prefix ending in "/" is a plain prefix; otherwise the path must equal it
// or continue with a "/" so that /docs does not admit /docsearch.
func matchesPrefix(p, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(p, prefix) || p+"/" == prefix
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
