// Package sinks provides progress.Sink implementations: structured logs,
// Prometheus session metrics and an in-memory status board for the API.
package sinks
