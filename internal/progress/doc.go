// Package progress carries job lifecycle events from the engine to pluggable
// sinks. The Hub batches events on a background goroutine so the worker never
// waits on logging, metrics, notifications or archiving.
package progress
