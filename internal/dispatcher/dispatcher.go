// Package dispatcher drives a crawl run. It drains the SourceList with a
// bounded, policy-adjusted number of concurrent workers and accounts for
// retries, terminal failures and termination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/metrics"
	"github.com/JakeFAU/cmc-crawler/internal/progress"
)

// Processor runs a single attempt for a dequeued item. *worker.Worker
// satisfies it.
type Processor interface {
	Process(ctx context.Context, item crawler.WorkItem) crawler.AttemptResult
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithFailureHandler replaces the default failure logging.
func WithFailureHandler(h crawler.FailureHandler) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.onFailure = h
		}
	}
}

// WithConcurrencyPolicy enables dynamic scaling between the configured bounds.
// Without a policy every slot up to MaxConcurrency is used.
func WithConcurrencyPolicy(policy crawler.ConcurrencyPolicy, sampler crawler.LoadSampler) Option {
	return func(d *Dispatcher) {
		d.policy = policy
		d.sampler = sampler
	}
}

// WithBackoff delays re-dispatched attempts.
func WithBackoff(b crawler.Backoff) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.backoff = b
		}
	}
}

// WithEmitter publishes progress events for the run.
func WithEmitter(e progress.Emitter) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
		}
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(d *Dispatcher) {
		d.runID = id
	}
}

// Dispatcher schedules work items onto a floating pool of slots.
type Dispatcher struct {
	cfg       crawler.Config
	list      crawler.SourceList
	proc      Processor
	policy    crawler.ConcurrencyPolicy
	sampler   crawler.LoadSampler
	backoff   crawler.Backoff
	onFailure crawler.FailureHandler
	emitter   progress.Emitter
	runID     uuid.UUID
	logger    *zap.Logger

	active atomic.Int64
	target atomic.Int64
	peak   atomic.Int64
}

// New validates cfg and builds a Dispatcher.
func New(
	cfg crawler.Config,
	list crawler.SourceList,
	proc Processor,
	logger *zap.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}
	if list == nil {
		return nil, errors.New("dispatcher: source list is required")
	}
	if proc == nil {
		return nil, errors.New("dispatcher: processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:     cfg,
		list:    list,
		proc:    proc,
		backoff: crawler.NoBackoff{},
		emitter: progress.NopEmitter{},
		logger:  logger,
	}
	d.onFailure = d.logFailure
	for _, opt := range opts {
		opt(d)
	}
	if d.runID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		d.runID = id
	}
	return d, nil
}

// RunID identifies this run in logs, progress events and the run store.
func (d *Dispatcher) RunID() uuid.UUID {
	return d.runID
}

type attemptDone struct {
	storageErr error
}

// Run dispatches items until none are pending and none are in flight. Fetch,
// parse and timeout failures never escape Run; storage failures are joined into
// the returned error. Cancelling ctx stops dispatching, waits for in-flight
// attempts and returns the partial summary together with the context error.
func (d *Dispatcher) Run(ctx context.Context) (crawler.Summary, error) {
	start := time.Now()
	total := d.list.Len()
	d.emit(progress.Event{Stage: progress.StageRunStart, Total: total})
	d.logger.Info("crawl started",
		zap.String("run_id", d.runID.String()),
		zap.Int("items", total),
		zap.Int("min_concurrency", d.cfg.MinConcurrency),
		zap.Int("max_concurrency", d.cfg.MaxConcurrency),
		zap.Int("max_retries", d.cfg.MaxRetries),
		zap.Duration("per_item_timeout", d.cfg.PerItemTimeout),
	)

	target := d.cfg.MaxConcurrency
	var scale <-chan time.Time
	if d.policy != nil {
		target = d.cfg.MinConcurrency
		ticker := time.NewTicker(d.cfg.ScaleInterval)
		defer ticker.Stop()
		scale = ticker.C
	}
	d.setTarget(target)

	done := make(chan attemptDone, d.cfg.MaxConcurrency)
	stop := ctx.Done()
	dispatching := true
	active := 0
	var storageErrs []error

	for {
		if dispatching && ctx.Err() == nil {
			for active < target {
				item, ok := d.list.NextPending()
				if !ok {
					break
				}
				active++
				d.setActive(active)
				go d.runItem(ctx, item, done)
			}
		}
		// Retried items are back in Pending before their slot is released, so
		// an idle pool here means the list is settled or we are shutting down.
		if active == 0 {
			break
		}
		select {
		case res := <-done:
			active--
			d.setActive(active)
			if res.storageErr != nil {
				storageErrs = append(storageErrs, res.storageErr)
			}
		case <-scale:
			target = d.rescale(target)
		case <-stop:
			stop = nil
			dispatching = false
			d.logger.Warn("crawl canceled, draining in-flight items", zap.Int("in_flight", active))
		}
	}

	counts := d.list.Counts()
	summary := crawler.Summary{
		Succeeded: counts.Done,
		Failed:    counts.Failed,
		Duration:  time.Since(start),
	}
	finished := progress.Event{
		Stage:     progress.StageRunDone,
		Total:     total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Dur:       summary.Duration,
	}
	if ctx.Err() != nil {
		finished.Note = "interrupted: " + ctx.Err().Error()
	}
	d.emit(finished)
	d.logger.Info("crawl finished",
		zap.String("run_id", d.runID.String()),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", counts.Pending),
		zap.Int64("peak_concurrency", d.peak.Load()),
		zap.Duration("duration", summary.Duration),
	)

	err := errors.Join(storageErrs...)
	if ctx.Err() != nil {
		err = errors.Join(fmt.Errorf("crawl interrupted: %w", ctx.Err()), err)
	}
	return summary, err
}

func (d *Dispatcher) runItem(ctx context.Context, item crawler.WorkItem, done chan<- attemptDone) {
	var out attemptDone
	defer func() { done <- out }()

	if item.Attempts > 1 {
		if delay := d.backoff.Delay(item.Attempts); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				d.report(ctx, item, crawler.AttemptResult{Outcome: crawler.OutcomeAbandoned, Err: ctx.Err()})
				return
			case <-timer.C:
			}
		}
	}

	d.emit(progress.Event{Stage: progress.StageItemStart, URL: item.URL, Attempt: item.Attempts})
	res := d.process(ctx, item)
	out.storageErr = d.report(ctx, item, res)
}

func (d *Dispatcher) process(ctx context.Context, item crawler.WorkItem) (res crawler.AttemptResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("processor panicked", zap.String("url", item.URL), zap.Any("panic", r))
			res = crawler.AttemptResult{
				Outcome: crawler.OutcomeRetryable,
				Err:     &crawler.FetchError{URL: item.URL, Err: fmt.Errorf("panic: %v", r)},
			}
		}
	}()
	return d.proc.Process(ctx, item)
}

// report applies res to the list and fans out the transition. It returns the
// storage error, if any, so Run can surface it.
func (d *Dispatcher) report(ctx context.Context, item crawler.WorkItem, res crawler.AttemptResult) error {
	status, err := d.list.ReportResult(item, res.Outcome, res.Err)
	if err != nil {
		d.logger.Error("report result rejected", zap.String("url", item.URL), zap.Error(err))
		return nil
	}
	kind := crawler.KindOf(res.Err)
	evt := progress.Event{URL: item.URL, Attempt: item.Attempts, Kind: string(kind), Dur: res.Duration}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}

	switch status {
	case crawler.StatusDone:
		metrics.ObserveItem(string(crawler.StatusDone))
		evt.Stage = progress.StageItemDone
		d.emit(evt)
	case crawler.StatusPending:
		if res.Outcome == crawler.OutcomeAbandoned {
			return nil
		}
		metrics.ObserveRetry(string(kind))
		evt.Stage = progress.StageItemRetry
		d.emit(evt)
		d.logger.Info("retrying item",
			zap.String("url", item.URL),
			zap.Int("attempt", item.Attempts),
			zap.String("kind", string(kind)),
			zap.Error(res.Err),
		)
	case crawler.StatusFailed:
		metrics.ObserveItem(string(crawler.StatusFailed))
		evt.Stage = progress.StageItemFailed
		d.emit(evt)
		d.onFailure(context.WithoutCancel(ctx), crawler.Failure{
			URL:      item.URL,
			Attempts: item.Attempts,
			Kind:     kind,
			Err:      res.Err,
		})
	}

	if kind == crawler.KindStorage {
		return res.Err
	}
	return nil
}

func (d *Dispatcher) rescale(current int) int {
	var load crawler.LoadSignal
	if d.sampler != nil {
		load = d.sampler.Load()
	}
	next := d.cfg.Clamp(d.policy.DesiredConcurrency(current, load))
	if next != current {
		d.logger.Debug("concurrency adjusted",
			zap.Int("from", current),
			zap.Int("to", next),
			zap.Float64("cpu_percent", load.CPUPercent),
			zap.Float64("memory_percent", load.MemoryPercent),
		)
		d.setTarget(next)
	}
	return next
}

func (d *Dispatcher) logFailure(_ context.Context, f crawler.Failure) {
	d.logger.Warn(fmt.Sprintf("Request %s failed %d times.", f.URL, f.Attempts),
		zap.String("url", f.URL),
		zap.String("kind", string(f.Kind)),
		zap.Error(f.Err),
	)
}

func (d *Dispatcher) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(d.runID)
	evt.TS = time.Now().UTC()
	if evt.URL != "" && evt.Site == "" {
		evt.Site = progress.SiteOf(evt.URL)
	}
	d.emitter.Emit(evt)
}

func (d *Dispatcher) setActive(n int) {
	d.active.Store(int64(n))
	metrics.SetActiveWorkers(n)
	for {
		peak := d.peak.Load()
		if int64(n) <= peak || d.peak.CompareAndSwap(peak, int64(n)) {
			return
		}
	}
}

func (d *Dispatcher) setTarget(n int) {
	d.target.Store(int64(n))
	metrics.SetTargetConcurrency(n)
}

// Status is a point-in-time view of the run for the status API.
type Status struct {
	RunID             string             `json:"run_id"`
	TargetConcurrency int                `json:"target_concurrency"`
	Active            int                `json:"active"`
	PeakConcurrency   int                `json:"peak_concurrency"`
	Counts            crawler.Counts     `json:"counts"`
	Items             []crawler.WorkItem `json:"items,omitempty"`
}

// Status reports the current scheduler state; items are included on request.
func (d *Dispatcher) Status(withItems bool) Status {
	st := Status{
		RunID:             d.runID.String(),
		TargetConcurrency: int(d.target.Load()),
		Active:            int(d.active.Load()),
		PeakConcurrency:   int(d.peak.Load()),
		Counts:            d.list.Counts(),
	}
	if withItems {
		st.Items = d.list.Items()
	}
	return st
}
