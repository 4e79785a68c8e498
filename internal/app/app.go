// Package app initializes and holds long-lived application services, acting as
// a dependency injection container, and assembles the per-run crawl pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cmc-crawler/internal/api"
	"github.com/JakeFAU/cmc-crawler/internal/config"
	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/dispatcher"
	"github.com/JakeFAU/cmc-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/cmc-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/cmc-crawler/internal/policy/autoscale"
	"github.com/JakeFAU/cmc-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/cmc-crawler/internal/progress"
	"github.com/JakeFAU/cmc-crawler/internal/progress/sinks"
	"github.com/JakeFAU/cmc-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/cmc-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/cmc-crawler/internal/queue/memory"
	"github.com/JakeFAU/cmc-crawler/internal/resource"
	"github.com/JakeFAU/cmc-crawler/internal/storage"
	"github.com/JakeFAU/cmc-crawler/internal/storage/gcs"
	"github.com/JakeFAU/cmc-crawler/internal/storage/local"
	"github.com/JakeFAU/cmc-crawler/internal/storage/postgres"
	"github.com/JakeFAU/cmc-crawler/internal/store"
	"github.com/JakeFAU/cmc-crawler/internal/store/redis"
	"github.com/JakeFAU/cmc-crawler/internal/worker"
)

// App holds the shared, long-lived services: logger, record sinks and the
// optional run store. It is built once at startup and closed on exit.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	sink     crawler.Sink
	sinkName string
	runStore store.RunRepository
	promSink *sinks.PrometheusSink
	barOut   io.Writer
	fetcher  crawler.Fetcher
	closers  []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	barOut     io.Writer
	fetcher    crawler.Fetcher
}

// WithRegisterer registers progress collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBarOutput redirects the progress bar (default os.Stderr).
func WithBarOutput(w io.Writer) Option {
	return func(o *options) { o.barOut = w }
}

// WithFetcher replaces the Colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Sink exposes the configured record sink (a fan-out when several are enabled).
func (a *App) Sink() crawler.Sink {
	return a.sink
}

// RunStore returns the run repository, or nil when none is configured.
func (a *App) RunStore() store.RunRepository {
	return a.runStore
}

// New creates the long-lived services described by cfg. It fails fast if any
// configured backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, barOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, barOut: o.barOut, fetcher: o.fetcher}

	if err := a.initSinks(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initRunStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Progress.Prometheus {
		promSink, err := sinks.NewPrometheusSink(o.registerer)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init progress metrics: %w", err)
		}
		a.promSink = promSink
	}
	if a.fetcher == nil {
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.RequestTimeout,
			MaxBodySize:   cfg.Crawler.MaxBodyBytes,
		}, logger.Named("fetcher"))
	}

	logger.Info("application services initialized",
		zap.Strings("sinks", cfg.Sink.Kinds),
		zap.String("run_store", cfg.RunStore.Kind),
	)
	return a, nil
}

func (a *App) initSinks(ctx context.Context) error {
	var built []crawler.Sink
	for _, kind := range a.cfg.Sink.Kinds {
		sink, err := a.newSink(ctx, kind)
		if err != nil {
			return fmt.Errorf("init %s sink: %w", kind, err)
		}
		built = append(built, sink)
	}
	switch len(built) {
	case 0:
		a.sink, a.sinkName = storage.Discard{}, "discard"
	case 1:
		a.sink, a.sinkName = built[0], a.cfg.Sink.Kinds[0]
	default:
		a.sink, a.sinkName = storage.NewFanOut(built...), "fanout"
	}
	return nil
}

func (a *App) newSink(ctx context.Context, kind string) (crawler.Sink, error) {
	sc := a.cfg.Sink
	switch kind {
	case config.SinkDataset:
		ds, err := local.NewDatasetStore(sc.Dataset)
		if err != nil {
			return nil, err
		}
		a.logger.Info("writing records to dataset", zap.String("dir", ds.Dir()))
		return ds, nil
	case config.SinkJSONL:
		js, err := local.NewJSONLinesStore(sc.JSONLPath)
		if err != nil {
			return nil, err
		}
		a.addCloser("jsonl", js.Close)
		return js, nil
	case config.SinkGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.addCloser("gcs", client.Close)
		rs, err := gcs.New(client, sc.GCS)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.SinkPostgres:
		rs, err := postgres.NewRecordStore(ctx, sc.Postgres)
		if err != nil {
			return nil, err
		}
		a.addCloser("postgres records", func() error { rs.Close(); return nil })
		return rs, nil
	case config.SinkPubSub:
		client, err := gpubsub.NewClient(ctx, sc.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsub.New(client.Topic(sc.PubSub.Topic))
		a.addCloser("pubsub", func() error {
			pub.Close()
			return client.Close()
		})
		return pub, nil
	case config.SinkKafka:
		producer, err := kafka.NewProducer(sc.Kafka)
		if err != nil {
			return nil, err
		}
		a.addCloser("kafka", producer.Close)
		return producer, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
}

func (a *App) initRunStore(ctx context.Context) error {
	rc := a.cfg.RunStore
	switch rc.Kind {
	case "", config.RunStoreNone:
		return nil
	case config.RunStoreRedis:
		rs, err := redis.New(rc.Redis)
		if err != nil {
			return fmt.Errorf("init redis run store: %w", err)
		}
		a.addCloser("redis run store", rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("init redis run store: %w", err)
		}
		a.runStore = rs
	case config.RunStorePostgres:
		rs, err := postgres.NewRunStore(ctx, rc.Postgres)
		if err != nil {
			return fmt.Errorf("init postgres run store: %w", err)
		}
		a.addCloser("postgres run store", func() error { rs.Close(); return nil })
		a.runStore = rs
	default:
		return fmt.Errorf("unknown run store %q", rc.Kind)
	}
	return nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Result describes a finished crawl.
type Result struct {
	RunID   string
	Total   int
	Summary crawler.Summary
	// Dropped counts progress events the hub shed under back-pressure.
	Dropped int64
}

// Crawl runs one crawl over urls to completion or until ctx ends. Errors are
// returned only for initialization problems; item failures are reported to
// onFailure and counted in the summary.
func (a *App) Crawl(ctx context.Context, urls []string, onFailure crawler.FailureHandler) (Result, error) {
	cfg := a.cfg
	logger := a.logger

	list := queueMemory.NewSourceList(cfg.Crawler.MaxRetries)
	total, err := list.Initialize(urls)
	if err != nil {
		return Result{}, fmt.Errorf("initialize source list: %w", err)
	}

	extractor, err := extract.New(cfg.Extract.TitleSelector, cfg.Extract.Columns)
	if err != nil {
		return Result{}, fmt.Errorf("init extractor: %w", err)
	}
	var limiter crawler.Limiter
	if cfg.RateLimit.DefaultRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}
	w := worker.New(a.fetcher, extractor, a.sink, limiter, worker.Config{
		PerItemTimeout: cfg.Crawler.PerItemTimeout,
		SinkName:       a.sinkName,
	}, logger.Named("worker"))

	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	}, a.progressSinks()...)

	opts := []dispatcher.Option{
		dispatcher.WithFailureHandler(onFailure),
		dispatcher.WithEmitter(hub),
	}
	if cfg.Crawler.Backoff.Kind == config.BackoffExponential {
		opts = append(opts, dispatcher.WithBackoff(
			crawler.NewExponentialBackoff(cfg.Crawler.Backoff.Base, cfg.Crawler.Backoff.Max)))
	}
	var monitor *resource.Monitor
	if cfg.Autoscale.Enabled {
		policy, err := autoscale.New(cfg.Autoscale.Config)
		if err != nil {
			return Result{}, fmt.Errorf("init autoscale policy: %w", err)
		}
		monitor = resource.NewMonitor(cfg.Autoscale.SampleInterval, logger.Named("resource"))
		opts = append(opts, dispatcher.WithConcurrencyPolicy(policy, monitor))
	}

	d, err := dispatcher.New(cfg.Scheduler(), list, w, logger.Named("dispatcher"), opts...)
	if err != nil {
		return Result{}, fmt.Errorf("init dispatcher: %w", err)
	}

	// Bind before crawling so a port clash fails the run up front.
	var ln net.Listener
	if cfg.Server.Port > 0 {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			//nolint:errcheck // nothing was emitted yet
			_ = hub.Close(context.Background())
			return Result{}, fmt.Errorf("bind status server: %w", err)
		}
	}

	if monitor != nil {
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	var summary crawler.Summary
	started := time.Now().UTC()
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(serverCtx)
	if ln != nil {
		srv := api.NewServer(d, a.runStore, api.Options{APIKey: cfg.Server.APIKey}, logger.Named("api"))
		g.Go(func() error {
			if err := srv.Serve(gctx, ln); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopServer()
		s, runErr := d.Run(ctx)
		summary = s
		return runErr
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}

	res := Result{RunID: d.RunID().String(), Total: total, Summary: summary, Dropped: hub.Dropped()}
	if a.runStore != nil {
		if err := a.persistRun(closeCtx, d.RunID(), started, total, summary, list.Items(), ctx.Err()); err != nil {
			logger.Warn("persist run state failed", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}
	var storageErr *crawler.StorageError
	switch {
	case runErr == nil:
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		logger.Warn("crawl interrupted", zap.String("run_id", res.RunID), zap.Error(runErr))
	case errors.As(runErr, &storageErr):
		// Items already ended failed; the run itself completed.
		logger.Error("records lost to sink failures", zap.String("run_id", res.RunID), zap.Error(runErr))
	default:
		return res, fmt.Errorf("run crawl: %w", runErr)
	}
	return res, nil
}

// persistRun writes the authoritative end state of a run. Progress events may
// be dropped under load, so the final tallies and item states come from the
// dispatcher and source list rather than from the event stream.
func (a *App) persistRun(
	ctx context.Context,
	runID uuid.UUID,
	started time.Time,
	total int,
	summary crawler.Summary,
	items []crawler.WorkItem,
	interrupted error,
) error {
	if _, err := a.runStore.GetRun(ctx, runID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load run: %w", err)
		}
		if err := a.runStore.StartRun(ctx, runID, started, total); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	}
	now := time.Now().UTC()
	states := make([]store.ItemState, 0, len(items))
	for _, item := range items {
		states = append(states, store.ItemState{
			URL:       item.URL,
			Status:    string(item.Status),
			Attempts:  item.Attempts,
			Kind:      string(item.LastErrorKind),
			LastError: item.LastError,
			UpdatedAt: now,
		})
	}
	if err := a.runStore.RecordItems(ctx, runID, states); err != nil {
		return fmt.Errorf("record items: %w", err)
	}
	finished := progress.Event{TS: now, Succeeded: summary.Succeeded, Failed: summary.Failed}
	if interrupted != nil {
		finished.Note = "interrupted: " + interrupted.Error()
	}
	if err := a.runStore.CompleteRun(ctx, runID, sinks.Completion(finished)); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (a *App) progressSinks() []progress.Sink {
	var out []progress.Sink
	if a.cfg.Progress.Log {
		out = append(out, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if a.promSink != nil {
		out = append(out, a.promSink)
	}
	if a.cfg.Progress.Bar {
		out = append(out, sinks.NewBarSink(a.barOut))
	}
	if a.runStore != nil {
		out = append(out, sinks.NewStoreSink(a.runStore, a.logger.Named("run_store")))
	}
	return out
}

// Close shuts down every backend opened by New, newest first, and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	//nolint:errcheck // stderr sync fails on some platforms
	_ = a.logger.Sync()
}
