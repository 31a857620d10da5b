// Package api hosts the HTTP server, middleware, and handlers over an
// archive. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/replay?url=&at=[&raw=1] for capture lookup and payload replay.
//   - GET /v1/summary for the latest run summary.
//   - GET /v1/progress and /v1/progress/{session_id} for live crawl progress.
package api
