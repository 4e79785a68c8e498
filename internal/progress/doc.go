// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the dispatcher uses to report crawl progress. Events are batched
// on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics, the run store or a terminal progress bar.
package progress
