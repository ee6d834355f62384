// Package api hosts the HTTP router that fronts the per-site actors.
// Routes:
//   - POST /api/analyze derives the site key from siteUrl and runs an analysis.
//   - POST /api/chat sends a message to the actor named by siteId.
//   - GET /api/history/{siteId} lists stored reports; siteId may contain '/'.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
//
// Unmatched /api/ requests get a plain-text 404; every other path gets a short
// informational page.
package api
