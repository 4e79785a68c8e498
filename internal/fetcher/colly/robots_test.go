package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

func TestRobotsGuardTimeoutsFallBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	guard := newRobotsGuard(base, crawler.NoBackoff{})

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/robots.txt", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, robotsMaxAttempts, base.Calls())
	require.Equal(t, fallbackTimeout, guard.fallbackFor("https://coinmarketcap.com/"))
	require.Empty(t, guard.fallbackFor("https://other.example/"))
}

func TestRobotsGuardServerErrorsFallBack(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{statuses: []int{http.StatusBadGateway}}
	guard := newRobotsGuard(base, crawler.NoBackoff{})

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, robotsMaxAttempts, base.Calls())
	require.Equal(t, fallbackServerError, guard.fallbackFor("https://coinmarketcap.com/currencies/"))
}

func TestRobotsGuardStopsRetryingOnAnswer(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{statuses: []int{http.StatusServiceUnavailable, http.StatusNotFound}}
	guard := newRobotsGuard(base, crawler.NoBackoff{})

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, 2, base.Calls())
	require.Empty(t, guard.fallbackFor("https://coinmarketcap.com/"))
}

func TestRobotsGuardSurfacesHardErrors(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{errors.New("connection refused")}}
	guard := newRobotsGuard(base, crawler.NoBackoff{})

	_, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.Calls())
}

func TestRobotsGuardPassesThroughPages(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{statuses: []int{http.StatusServiceUnavailable}}
	guard := newRobotsGuard(base, crawler.NoBackoff{})

	resp, err := guard.RoundTrip(httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 1, base.Calls())
}

func TestRobotsGuardWaitHonorsContext(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	guard := newRobotsGuard(base, crawler.NewExponentialBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "https://coinmarketcap.com/robots.txt", nil).WithContext(ctx)
	_, err := guard.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, base.Calls())
}

func TestFetchRespectingRobotsSurvivesBrokenRobotsTxt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "Cryptocurrency Prices", page.Doc.Find("title").Text())
	require.Equal(t, fallbackServerError, f.robots.fallbackFor(srv.URL+"/"))
}

// scriptedTransport replays errs, or else statuses, repeating the last entry.
type scriptedTransport struct {
	mu       sync.Mutex
	errs     []error
	statuses []int
	calls    int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if len(s.errs) > 0 {
		return nil, s.errs[min(idx, len(s.errs)-1)]
	}
	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[min(idx, len(s.statuses)-1)]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
