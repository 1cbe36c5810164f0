// Package sinks implements progress.Sink consumers: structured logs,
// Prometheus collectors, the event store, Pub/Sub export and Telegram alerts.
package sinks
