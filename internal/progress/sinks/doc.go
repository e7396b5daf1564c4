// Package sinks holds the progress.Sink implementations wired by the app: a
// zap log sink and a Prometheus sink for run and fetch metrics.
package sinks
