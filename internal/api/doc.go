// Package api hosts the HTTP control surface for operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/{build,launch,pause,unpause,checkpoint,terminate,teardown}
//     drive the controller; misuse answers 202 with a notice.
//   - GET /v1/crawl, /v1/crawl/phase, /v1/crawl/queues and
//     /v1/crawl/reports/{reporter}?kind= expose phase and reports.
//   - GET /v1/checkpoints lists recoverable checkpoints.
//   - GET /v1/runs and /v1/runs/{id}/events read the run repository.
package api
