// Package crawler defines the crawl unit model shared by the frontier, the
// worker pipeline and the history store: CrawlURI, fetch statuses, hop types,
// outcomes, canonical keys and the small interfaces the engine depends on.
package crawler
