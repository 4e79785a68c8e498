// Package store defines interfaces for persisting crawl run state (run
// lifecycle plus the last known state of each work item). Implementations live
// in other packages; this package must not import database drivers or
// concrete clients.
package store
