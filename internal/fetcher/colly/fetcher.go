// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 10 << 20

	robotsRetryBase = 250 * time.Millisecond
	robotsRetryMax  = 2 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
	Headers       map[string]string
}

// Fetcher implements crawler.Fetcher using the Colly collector. A fresh clone
// of the base collector serves every call so hooks never leak between pages.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	robots        *robotsGuard
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the collector callbacks observed for one visit.
type fetchState struct {
	page     crawler.Page
	status   int
	fetchErr error
	parseErr error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots

	// Transport and timeout live on the shared backend, so configure them once
	// here rather than on each clone.
	var transport http.RoundTripper = &decodingTransport{base: newHTTPTransport()}
	var robots *robotsGuard
	if cfg.RespectRobots {
		robots = newRobotsGuard(transport, crawler.NewExponentialBackoff(robotsRetryBase, robotsRetryMax))
		transport = robots
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		robots:        robots,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and parses the body into a document.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	state := &fetchState{}
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, url, state)

	if err := f.runCollector(ctx, collector, url); err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, err
		}
		return crawler.Page{}, f.classify(url, state, err)
	}
	if state.fetchErr != nil {
		return crawler.Page{}, f.classify(url, state, state.fetchErr)
	}
	if state.parseErr != nil {
		return crawler.Page{}, state.parseErr
	}
	if state.page.Doc == nil {
		return crawler.Page{}, &crawler.ParseError{URL: url, Err: errors.New("no response body")}
	}
	if reason := f.robots.fallbackFor(url); reason != "" {
		f.logger.Debug("robots.txt unavailable, crawled as allow-all",
			zap.String("url", url), zap.String("reason", reason))
	}
	state.page.URL = url
	return state.page, nil
}

func (f *Fetcher) configureCollectorHooks(target collectorHooks, url string, state *fetchState) {
	target.OnRequest(func(r *colly.Request) {
		for k, v := range f.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})

	target.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		page := crawler.Page{
			URL:        url,
			FinalURL:   url,
			StatusCode: r.StatusCode,
			Bytes:      len(r.Body),
			FetchedAt:  time.Now().UTC(),
		}
		if r.Request != nil && r.Request.URL != nil {
			page.FinalURL = r.Request.URL.String()
		}
		if r.Headers != nil {
			page.Headers = r.Headers.Clone()
		}
		contentType := page.Headers.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(r.Body)
		}
		if !strings.Contains(strings.ToLower(contentType), "html") {
			state.parseErr = &crawler.ParseError{
				URL: url,
				Err: fmt.Errorf("unexpected content type %q", contentType),
			}
			return
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			state.parseErr = &crawler.ParseError{URL: url, Err: err}
			return
		}
		page.Doc = doc
		state.page = page
	})

	target.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit: %w", err)
		}
		return nil
	}
}

// classify maps a collector failure onto the crawler error taxonomy.
func (f *Fetcher) classify(url string, state *fetchState, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &crawler.TimeoutError{URL: url, Timeout: f.cfg.Timeout.String(), Err: err}
	}
	return &crawler.FetchError{URL: url, StatusCode: state.status, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
