// Package progress provides the lifecycle events, non-blocking hub, and
// emitter interface that task runners use to report solve progress. Events are
// batched on a background goroutine and fanned out to sinks such as Prometheus
// metrics, structured logs, or the Postgres event table.
package progress
