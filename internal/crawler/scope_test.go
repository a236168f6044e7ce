package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Docs.Example.com:443/Guide#intro": "https://docs.example.com/Guide",
		"http://docs.example.com:80":               "http://docs.example.com/",
		"https://docs.example.com/a?b=2&a=1":       "https://docs.example.com/a?a=1&b=2",
		"https://user:pw@docs.example.com/x?":      "https://docs.example.com/x",
		"https://docs.example.com:8443/x":          "https://docs.example.com:8443/x",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
	_, err = NormalizeURL("http://[::1")
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://docs.example.com/guide/intro", "../api/#top")
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/api/", got)

	got, err = ResolveURL("https://docs.example.com/guide/", "setup")
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/guide/setup", got)
}

func TestScope_OrderedChecks(t *testing.T) {
	t.Parallel()

	scope, err := NewScope("https://docs.example.com/product/v2/guide/", ScopeConfig{
		PathPrefix: "/product/v2/",
		Include:    "guide|tutorial",
		Exclude:    "api-reference|changelog",
	})
	require.NoError(t, err)

	cases := []struct {
		url  string
		want Decision
	}{
		{"https://docs.example.com/product/v2/guide/start#x", Accept},
		{"https://other.example.com/product/v2/guide/", RejectHost},
		{"https://docs.example.com/product/v1/guide/", RejectPathPrefix},
		{"https://docs.example.com/product/v2/guide/api-reference", RejectExcluded},
		{"https://docs.example.com/product/v2/faq", RejectNotIncluded},
		{"https://docs.example.com/product/v2/guide/manual.pdf", RejectAsset},
		{"mailto:someone@example.com", RejectMalformed},
		{"::not a url", RejectMalformed},
	}
	for _, tc := range cases {
		_, got := scope.Allow(tc.url)
		require.Equal(t, tc.want, got, tc.url)
	}
}

func TestScope_IncludeMatchesPathOnly(t *testing.T) {
	t.Parallel()

	scope, err := NewScope("https://example.com/docs/", ScopeConfig{Include: "example|guide", Exclude: "print=1"})
	require.NoError(t, err)

	_, decision := scope.Allow("https://example.com/docs/faq")
	require.Equal(t, RejectNotIncluded, decision)
	_, decision = scope.Allow("https://example.com/docs/example-app")
	require.Equal(t, Accept, decision)
	_, decision = scope.Allow("https://example.com/docs/guide?print=1")
	require.Equal(t, RejectExcluded, decision)
}

func TestScope_PrefixWithoutTrailingSlash(t *testing.T) {
	t.Parallel()

	scope, err := NewScope("https://docs.example.com/docs", ScopeConfig{PathPrefix: "docs"})
	require.NoError(t, err)

	_, decision := scope.Allow("https://docs.example.com/docs")
	require.Equal(t, Accept, decision)
	_, decision = scope.Allow("https://docs.example.com/docs/intro")
	require.Equal(t, Accept, decision)
	_, decision = scope.Allow("https://docs.example.com/docsearch")
	require.Equal(t, RejectPathPrefix, decision)
}

func TestNewScope_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := NewScope("ftp://docs.example.com/", ScopeConfig{})
	require.ErrorContains(t, err, "unsupported url scheme")

	_, err = NewScope("not-a-url", ScopeConfig{})
	require.Error(t, err)

	_, err = NewScope("https://docs.example.com/", ScopeConfig{Exclude: "("})
	require.ErrorContains(t, err, "invalid exclude pattern")

	_, err = NewScope("https://docs.example.com/", ScopeConfig{Include: "[a-"})
	require.ErrorContains(t, err, "invalid include pattern")
}

func TestIsHTMLContentType(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTMLContentType("text/html; charset=utf-8", "https://x.dev/a"))
	require.True(t, IsHTMLContentType("application/xhtml+xml", "https://x.dev/a"))
	require.True(t, IsHTMLContentType("", "https://x.dev/guide/"))
	require.False(t, IsHTMLContentType("", "https://x.dev/logo.png"))
	require.False(t, IsHTMLContentType("application/pdf", "https://x.dev/a"))
	require.False(t, IsHTMLContentType("text/plain", "https://x.dev/a"))
}

func TestPathDepth(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, PathDepth("https://x.dev/"))
	require.Equal(t, 2, PathDepth("https://x.dev/guide/intro/"))
	require.Equal(t, 3, PathDepth("https://x.dev/a/b/c"))
}
