// Package worker executes the per-item crawl pipeline: throttle, fetch+parse
// under a hard deadline, extract, then append to the sink.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// PerItemTimeout bounds the fetch+parse step of a single attempt.
	PerItemTimeout time.Duration
	// SinkName labels record metrics.
	SinkName string
}

// Worker runs one attempt for a work item. It is stateless between calls and
// safe for concurrent use.
type Worker struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	sink      crawler.Sink
	limiter   crawler.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter may be nil.
func New(
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	sink crawler.Sink,
	limiter crawler.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerItemTimeout <= 0 {
		cfg.PerItemTimeout = crawler.DefaultConfig().PerItemTimeout
	}
	if cfg.SinkName == "" {
		cfg.SinkName = "default"
	}
	return &Worker{
		fetcher:   fetcher,
		extractor: extractor,
		sink:      sink,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs fetch, extract and store for item in that order. Fetch, parse
// and timeout failures are retryable; a sink failure is fatal to the item.
// If ctx ends mid-attempt the outcome is OutcomeAbandoned.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) crawler.AttemptResult {
	start := time.Now()
	result := w.process(ctx, item)
	result.Duration = time.Since(start)
	return result
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) crawler.AttemptResult {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, item.URL); err != nil {
			if ctx.Err() != nil {
				return abandoned(ctx)
			}
			return crawler.AttemptResult{Outcome: crawler.OutcomeRetryable, Err: &crawler.FetchError{URL: item.URL, Err: err}}
		}
	}

	fetchStart := time.Now()
	page, err := w.fetchWithDeadline(ctx, item.URL)
	if err != nil {
		if ctx.Err() != nil {
			return abandoned(ctx)
		}
		metrics.ObserveFetch(item.URL, string(crawler.KindOf(err)), 0, time.Since(fetchStart))
		w.logger.Debug("fetch failed",
			zap.String("url", item.URL),
			zap.Int("attempt", item.Attempts),
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Error(err),
		)
		return crawler.AttemptResult{Outcome: crawler.OutcomeRetryable, Err: err}
	}
	metrics.ObserveFetch(item.URL, "ok", page.Bytes, time.Since(fetchStart))

	record, err := w.extractor.Extract(page)
	if err != nil {
		var pe *crawler.ParseError
		if !errors.As(err, &pe) {
			err = &crawler.ParseError{URL: item.URL, Err: err}
		}
		return crawler.AttemptResult{Outcome: crawler.OutcomeRetryable, Err: err}
	}
	if record.URL == "" {
		record.URL = item.URL
	}

	if err := w.sink.Append(ctx, record); err != nil {
		if ctx.Err() != nil {
			return abandoned(ctx)
		}
		metrics.ObserveRecord(w.cfg.SinkName, err)
		err = crawler.NewStorageError(w.cfg.SinkName, item.URL, err)
		w.logger.Error("record append failed", zap.String("url", item.URL), zap.Error(err))
		return crawler.AttemptResult{Outcome: crawler.OutcomeFatal, Err: err}
	}
	metrics.ObserveRecord(w.cfg.SinkName, nil)
	w.logger.Debug("record stored",
		zap.String("url", item.URL),
		zap.Int("attempt", item.Attempts),
		zap.Int("bytes", page.Bytes),
	)
	return crawler.AttemptResult{Outcome: crawler.OutcomeSucceeded}
}

type fetchResult struct {
	page crawler.Page
	err  error
}

// fetchWithDeadline enforces PerItemTimeout even when the fetcher ignores ctx;
// the abandoned call finishes in the background and its result is dropped.
func (w *Worker) fetchWithDeadline(ctx context.Context, url string) (crawler.Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, w.cfg.PerItemTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		page, err := w.fetcher.Fetch(pageCtx, url)
		done <- fetchResult{page: page, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(pageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return crawler.Page{}, w.timeoutError(url, res.err)
		}
		if res.err != nil {
			return crawler.Page{}, res.err
		}
		if res.page.Doc == nil {
			return crawler.Page{}, &crawler.ParseError{URL: url, Err: errors.New("fetcher returned no document")}
		}
		return res.page, nil
	case <-pageCtx.Done():
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		return crawler.Page{}, w.timeoutError(url, pageCtx.Err())
	}
}

func (w *Worker) timeoutError(url string, cause error) error {
	return &crawler.TimeoutError{URL: url, Timeout: w.cfg.PerItemTimeout.String(), Err: cause}
}

func abandoned(ctx context.Context) crawler.AttemptResult {
	return crawler.AttemptResult{Outcome: crawler.OutcomeAbandoned, Err: ctx.Err()}
}
