package collyfetcher

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/docs2md/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport retries robots.txt requests that time out and, once the
// retries are spent, answers with an allow-all file so a slow robots.txt
// does not mark every page of a docs site as unreachable. Other requests
// pass straight through.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{base: base, backoff: robotsRetryBackoff}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientNetError(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt >= len(t.backoff) {
			metrics.ObserveRobotsFallback(req.URL.Host)
			return allowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots backoff: %w", err)
		}
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout") ||
		strings.Contains(err.Error(), "context deadline exceeded")
}
