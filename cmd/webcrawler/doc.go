// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - Controller: internal/controller owns the job lifecycle (NASCENT, PREPARING, RUNNING, PAUSING, PAUSED,
//     STOPPING, FINISHED). Every launch asks internal/app to assemble a fresh set of components, restored from a
//     checkpoint when --recover names one.
//   - Frontier & workers: internal/frontier keeps one politeness queue per host and hands units to a fixed pool
//     (internal/dispatcher). Each worker (internal/worker) runs scope, robots, rate limit, fetch, digest, history and
//     link extraction for one unit, then returns it to the frontier for rescheduling, retry or retirement.
//   - State: fetch history lives in a badger environment (internal/history); checkpoints (internal/checkpoint)
//     capture the frontier snapshot plus a history backup and may be mirrored to GCS or a local directory.
//   - Feeds: seeds arrive from config, a seed file, or a Kafka topic consumed while the job runs.
//   - Surfaces: the chi HTTP API (internal/api) drives the controller verbs and serves reports, checkpoints and run
//     history; progress events fan out through internal/progress to the job log, zap, Prometheus, Postgres and
//     Pub/Sub sinks.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or CRAWLER_* env vars, e.g. CRAWLER_CRAWL_SEEDS, CRAWLER_CRAWL_WORKERS,
//     CRAWLER_APP_JOB_DIR, CRAWLER_CHECKPOINT_INTERVAL.
//   - Run locally: go run ./cmd/webcrawler crawl --config config.yaml --seed https://example.com/
//   - Recover: go run ./cmd/webcrawler crawl --recover latest; list candidates with "checkpoint list".
//   - Shutdown: SIGINT/SIGTERM terminates the run, flushes history and closes every sink.
package main
