// Package api hosts the reference collector: the HTTP server, middleware and
// handlers that receive navigation uploads. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/uploads to store a session upload, keyed by Idempotency-Key.
//   - GET /v1/uploads/{upload_id} to read a stored upload back.
package api
