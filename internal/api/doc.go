// Package api hosts the HTTP server, middleware, and REST handlers for store
// owners and operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stores/{store_id}/sessions and /v1/sessions/{session_id} for the
//     crawl ledger.
//   - POST /v1/reviews/{review_id}/approve to approve and post a reply.
//   - PUT /v1/stores/{store_id}/settings and POST /v1/stores/{store_id}/reauth
//     for store management.
package api
