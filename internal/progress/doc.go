// Package progress carries the crawl lifecycle event stream. The controller
// emits one Event per phase transition or notice; a non-blocking Hub batches
// them on a background goroutine and fans them out to sinks such as the job
// log, Prometheus, Postgres, and the "crawl state changed" publisher.
package progress
