// Package engine provides the in-process job execution engine. It admits
// submissions against per-kind concurrency limits, runs each accepted job in
// its own goroutine, enforces deadlines through context cancellation, and
// retains terminal snapshots in a store until callers collect them.
package engine
