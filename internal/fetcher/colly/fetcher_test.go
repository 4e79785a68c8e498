package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

const samplePage = `<html><head><title>Cryptocurrency Prices</title></head><body><p>ok</p></body></html>`

func TestFetchParsesHTML(t *testing.T) {
	t.Parallel()

	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "cmc-test/1.0", Timeout: time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.NotNil(t, page.Doc)
	require.Equal(t, "Cryptocurrency Prices", page.Doc.Find("title").Text())
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, srv.URL+"/", page.URL)
	require.Equal(t, len(samplePage), page.Bytes)
	require.Equal(t, "cmc-test/1.0", ua.Load())
}

func TestFetchAllowsRevisit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, nil)
	for range 2 {
		_, err := f.Fetch(context.Background(), srv.URL+"/")
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchStatusErrorIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	require.Error(t, err)

	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	require.Equal(t, crawler.KindFetch, crawler.KindOf(err))
}

func TestFetchNonHTMLIsParseError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	require.Equal(t, crawler.KindParse, crawler.KindOf(err))
}

func TestFetchDecodesBrotli(t *testing.T) {
	t.Parallel()

	var acceptEnc atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEnc.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte(samplePage))
		_ = bw.Close()
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "Cryptocurrency Prices", page.Doc.Find("title").Text())
	require.Contains(t, acceptEnc.Load(), "br")
}

func TestFetchRequestTimeoutIsTimeoutError(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	f := New(Config{Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL+"/")
	require.Error(t, err)
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
	_, err := f.Fetch(ctx, srv.URL+"/")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: map[string]string{"X-Trace": "yes"}}, zap.NewNop())
	state := &fetchState{}

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com/", state)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(samplePage),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/?redirected=1"),
		},
	})
	require.NoError(t, state.parseErr)
	require.NotNil(t, state.page.Doc)
	require.Equal(t, "https://example.com/?redirected=1", state.page.FinalURL)

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.EqualError(t, state.fetchErr, "Not Found")
	require.Equal(t, http.StatusNotFound, state.status)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true}, nil)
	require.Equal(t, defaultTimeout, f.cfg.Timeout)
	require.Equal(t, defaultMaxBodySize, f.cfg.MaxBodySize)
	require.Equal(t, "coverage-agent", f.baseCollector.UserAgent)
	require.False(t, f.baseCollector.IgnoreRobotsTxt)
	require.True(t, f.baseCollector.AllowURLRevisit)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
