// Package api hosts the optional HTTP status server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live scheduler snapshot of this process.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/items for persisted run
//     progress via store.RunRepository.
package api
