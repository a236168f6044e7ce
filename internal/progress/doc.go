// Package progress carries job progress events. A Broker fans events out to
// per-job subscribers (the SSE stream) without ever blocking the publisher,
// and a Hub batches the same events for background sinks such as logging and
// Prometheus.
package progress
