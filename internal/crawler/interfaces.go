package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URI and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor finds outlinks in a fetched response.
type Extractor interface {
	Extract(response FetchResponse) ([]Link, error)
}

// RobotsPolicy answers robots.txt questions for a URI.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// RateLimiter throttles fetches per host.
type RateLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
