package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/metrics"
)

// robots.txt lookups that keep timing out or answer 5xx are treated as
// allow-all, so an unhealthy robots endpoint never blocks the listing page.
const (
	robotsMaxAttempts = 3

	fallbackTimeout     = "timeout"
	fallbackServerError = "server_error"

	allowAllRobots = "User-agent: *\nAllow: /\n"
)

// robotsGuard wraps the transport colly uses for its robots.txt checks. Other
// requests pass straight through.
type robotsGuard struct {
	base    http.RoundTripper
	backoff crawler.Backoff

	mu        sync.Mutex
	fallbacks map[string]string
}

func newRobotsGuard(base http.RoundTripper, backoff crawler.Backoff) *robotsGuard {
	if backoff == nil {
		backoff = crawler.NoBackoff{}
	}
	return &robotsGuard{base: base, backoff: backoff, fallbacks: make(map[string]string)}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots guard roundtrip: %w", err)
		}
		return resp, nil
	}
	return g.fetchRobots(req)
}

func (g *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	var reason string
	for attempt := 1; attempt <= robotsMaxAttempts; attempt++ {
		if err := waitFor(req.Context(), g.backoff.Delay(attempt)); err != nil {
			return nil, fmt.Errorf("robots.txt retry wait: %w", err)
		}
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			discard(resp)
			reason = fallbackServerError
		case isTimeout(err):
			reason = fallbackTimeout
		default:
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
	}
	g.remember(req.URL.Host, reason)
	return allowAll(req), nil
}

// remember records the first fallback per host.
func (g *robotsGuard) remember(host, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.fallbacks[host]; seen {
		return
	}
	g.fallbacks[host] = reason
	metrics.ObserveRobotsFallback(reason)
}

// fallbackFor returns why the host of rawURL is crawled without its robots.txt,
// or "" when its robots.txt was honored.
func (g *robotsGuard) fallbackFor(rawURL string) string {
	if g == nil {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fallbacks[u.Host]
}

func allowAll(req *http.Request) *http.Response {
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

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	//nolint:errcheck // best effort so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func waitFor(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
