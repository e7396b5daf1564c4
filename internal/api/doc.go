// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /scrape to crawl a domain and save the page snapshot.
//   - POST /index and POST /query to build the unit index and ask grounded
//     questions against it.
//   - GET /scraped-data for the saved page snapshot.
//   - GET /runs and /runs/{run_id} for crawl and index run history.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
