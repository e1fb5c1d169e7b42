// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the key-value store.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/proxy/ to query the pool by scheme and anonymity.
//   - GET /api/spider/status and POST /api/spider/start to inspect and trigger jobs.
package api
