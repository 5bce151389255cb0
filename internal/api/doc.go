// Package api hosts the HTTP server, middleware, and handlers for solver
// clients and operators. Notable routes:
//   - GET /turnstile to submit a challenge, answering 202 with a task id, or
//     429 when the per-site rate limit is exhausted.
//   - GET /result?id= to poll a task; 422 marks a failed solve.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/tasks/{task_id}/events for task lifecycle history via the
//     EventRepository interface.
package api
