// Package api hosts the HTTP server and REST handlers in front of the lookup
// engine. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/search to submit a lookup, GET /api/jobs/{id} to poll it.
//   - GET /api/pdf/{docId} to stream a stored register extract.
//
// Every /api request is attributed to the configured principal.
package api
