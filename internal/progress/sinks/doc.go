// Package sinks implements progress consumers: structured logging, Prometheus,
// completion notifications and the retrieval archive.
package sinks
