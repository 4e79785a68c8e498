// Package crawler defines the core types shared by the crawl pipeline: work
// items and their state machine, records, the error taxonomy and the
// collaborator interfaces consumed by the dispatcher and worker.
package crawler
