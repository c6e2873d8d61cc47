// Package api hosts the HTTP status server for a running collection. Notable
// routes:
//   - GET /healthz / readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the live statistics snapshot.
//   - GET /v1/terms and /v1/terms/{term} for per-term progress reported by
//     the in-memory progress board.
package api
