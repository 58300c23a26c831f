package crawler

import (
	"net/http"
	"time"
)

// HopType records how a URI was discovered from its via.
type HopType byte

// Hop types, as they appear in a discovery path.
const (
	HopLink         HopType = 'L'
	HopRedirect     HopType = 'R'
	HopEmbed        HopType = 'E'
	HopSpeculative  HopType = 'X'
	HopPrerequisite HopType = 'P'
)

func (h HopType) String() string {
	switch h {
	case HopLink:
		return "link"
	case HopRedirect:
		return "redirect"
	case HopEmbed:
		return "embed"
	case HopSpeculative:
		return "speculative"
	case HopPrerequisite:
		return "prerequisite"
	default:
		return "unknown"
	}
}

// Priority is a scheduling tier. Higher tiers drain first.
type Priority int

// Priority tiers.
const (
	PriorityNormal Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

// PriorityFor returns the default tier for a hop type.
func PriorityFor(hop HopType, seed bool) Priority {
	switch {
	case hop == HopPrerequisite:
		return PriorityHighest
	case seed, hop == HopRedirect:
		return PriorityHigh
	case hop == HopEmbed:
		return PriorityMedium
	default:
		return PriorityNormal
	}
}

// Crawl statuses. Positive values are HTTP status codes.
const (
	StatusUnattempted      = 0
	StatusDNSFailed        = -1
	StatusConnectFailed    = -2
	StatusConnectLost      = -3
	StatusTimeout          = -4
	StatusRuntimeError     = -5
	StatusPrerequisiteFail = -7
	StatusTooManyRetries   = -8
	StatusWorkerAbandoned  = -3000
	StatusOutOfScope       = -5000
	StatusBlockedByHost    = -5001
	StatusBudgetExceeded   = -5002
	StatusRobotsPrecluded  = -9998
)

// StatusText returns a short label for logs and metrics.
func StatusText(status int) string {
	switch {
	case status > 0:
		return http.StatusText(status)
	case status == StatusUnattempted:
		return "unattempted"
	case status == StatusDNSFailed:
		return "dns-failed"
	case status == StatusConnectFailed:
		return "connect-failed"
	case status == StatusConnectLost:
		return "connect-lost"
	case status == StatusTimeout:
		return "timeout"
	case status == StatusRuntimeError:
		return "runtime-error"
	case status == StatusTooManyRetries:
		return "too-many-retries"
	case status == StatusWorkerAbandoned:
		return "worker-abandoned"
	case status == StatusOutOfScope:
		return "out-of-scope"
	case status == StatusBlockedByHost:
		return "blocked-by-host"
	case status == StatusBudgetExceeded:
		return "budget-exceeded"
	case status == StatusRobotsPrecluded:
		return "robots-precluded"
	case status == StatusPrerequisiteFail:
		return "prerequisite-failed"
	default:
		return "unknown"
	}
}

// FetchHistory is the last-seen fetch metadata persisted per canonical key.
type FetchHistory struct {
	Digest          string `json:"digest,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	ETag            string `json:"etag,omitempty"`
	ReferenceLength int64  `json:"reference_length"`
	Status          int    `json:"status"`
}

// CrawlURI is one schedulable unit of work plus its crawl metadata.
type CrawlURI struct {
	URL          string   `json:"url"`
	Via          string   `json:"via,omitempty"`
	PathFromSeed string   `json:"path,omitempty"`
	Seed         bool     `json:"seed,omitempty"`
	QueueKey     string   `json:"queue_key"`
	Priority     Priority `json:"priority"`
	Retries      int      `json:"retries,omitempty"`

	FetchStatus      int           `json:"status,omitempty"`
	ContentDigest    string        `json:"digest,omitempty"`
	ContentLength    int64         `json:"length,omitempty"`
	ContentType      string        `json:"content_type,omitempty"`
	FetchDuration    time.Duration `json:"-"`
	Unchanged        bool          `json:"-"`
	NonFatalFailures []string      `json:"-"`

	// History is the record loaded from the history store before fetch.
	History *FetchHistory `json:"-"`
	// Outlinks collects links discovered by extraction.
	Outlinks []Link `json:"-"`
	// Response carries validators from the most recent fetch.
	Response *FetchResponse `json:"-"`
}

// NewSeed builds a seed CrawlURI.
func NewSeed(rawURL string) *CrawlURI {
	return &CrawlURI{URL: rawURL, Seed: true, Priority: PriorityHigh}
}

// Child derives a discovered CrawlURI from its via.
func (c *CrawlURI) Child(rawURL string, hop HopType) *CrawlURI {
	return &CrawlURI{
		URL:          rawURL,
		Via:          c.URL,
		PathFromSeed: c.PathFromSeed + string(hop),
		Priority:     PriorityFor(hop, false),
	}
}

// HopCount returns the number of hops from the seed.
func (c *CrawlURI) HopCount() int {
	return len(c.PathFromSeed)
}

// LastHop returns the hop type that led to this URI.
func (c *CrawlURI) LastHop() HopType {
	if c.PathFromSeed == "" {
		return 0
	}
	return HopType(c.PathFromSeed[len(c.PathFromSeed)-1])
}

// IsSuccess reports whether the fetch got a response from the server.
func (c *CrawlURI) IsSuccess() bool {
	return c.FetchStatus > 0
}

// AddNonFatalFailure records a recoverable problem seen while processing.
func (c *CrawlURI) AddNonFatalFailure(reason string) {
	c.NonFatalFailures = append(c.NonFatalFailures, reason)
}

// ResetForRetry clears per-attempt fields before the unit is re-queued.
func (c *CrawlURI) ResetForRetry() {
	c.FetchStatus = StatusUnattempted
	c.ContentDigest = ""
	c.ContentLength = 0
	c.ContentType = ""
	c.FetchDuration = 0
	c.Unchanged = false
	c.Outlinks = nil
	c.Response = nil
}

// Link is an outlink found during extraction.
type Link struct {
	URL string
	Hop HopType
}

// FetchRequest captures everything needed to fetch a URI.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Outcome is what a worker reports back to the frontier for a unit.
type Outcome struct {
	Status        int
	FetchDuration time.Duration
	// CrawlDelay is a host-requested delay, from robots.txt.
	CrawlDelay time.Duration
	Err        error
}

// Retryable reports whether the outcome may succeed on a later attempt.
func (o Outcome) Retryable() bool {
	switch o.Status {
	case StatusDNSFailed, StatusConnectFailed, StatusConnectLost, StatusTimeout:
		return true
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}
