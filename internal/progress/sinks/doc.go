// Package sinks implements concrete lifecycle event consumers: the job log
// file, structured logging, Prometheus, the Postgres run repository, and the
// "crawl state changed" publisher. Each satisfies progress.Sink.
package sinks
