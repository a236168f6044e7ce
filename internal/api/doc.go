// Package api hosts the HTTP server, middleware and REST handlers. Notable
// routes:
//   - POST /convert (and /api/convert) submits a conversion job.
//   - GET /api/jobs/{jobId} returns job status; /events streams progress as
//     server-sent events.
//   - DELETE /api/jobs/{jobId} cancels a running job or deletes a finished one.
//   - GET /download/{jobId} serves the artifact until it expires.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
