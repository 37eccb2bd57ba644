// Package api hosts the ops HTTP server, middleware, and read-only progress
// handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the batch overview and per-platform summary.
//   - GET /v1/tasks and /v1/tasks/{task_id} for task snapshots.
//   - GET /v1/stats for limiter, tracker and pool metrics.
package api
