package crawler

import (
	"strings"
	"sync"
	"time"
)

// DelayPolicy computes how long a queue must rest after serving a unit.
type DelayPolicy struct {
	// Factor multiplies the observed fetch duration.
	Factor float64
	// Min is the floor applied to every delay.
	Min time.Duration
	// Max caps the computed delay. Robots crawl-delay may exceed it up to MaxCrawlDelay.
	Max time.Duration
	// RespectCrawlDelay honors robots.txt Crawl-delay.
	RespectCrawlDelay bool
	// MaxCrawlDelay caps a robots-requested delay.
	MaxCrawlDelay time.Duration
}

// DefaultDelayPolicy mirrors common polite-crawler settings.
func DefaultDelayPolicy() DelayPolicy {
	return DelayPolicy{
		Factor:            5,
		Min:               3 * time.Second,
		Max:               30 * time.Second,
		RespectCrawlDelay: true,
		MaxCrawlDelay:     300 * time.Second,
	}
}

// Delay returns the politeness delay for an outcome.
func (p DelayPolicy) Delay(outcome Outcome) time.Duration {
	delay := time.Duration(float64(outcome.FetchDuration) * p.Factor)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if delay < p.Min {
		delay = p.Min
	}
	if p.RespectCrawlDelay && outcome.CrawlDelay > delay {
		crawlDelay := outcome.CrawlDelay
		if p.MaxCrawlDelay > 0 && crawlDelay > p.MaxCrawlDelay {
			crawlDelay = p.MaxCrawlDelay
		}
		if crawlDelay > delay {
			delay = crawlDelay
		}
	}
	return delay
}

// HostBlocker tracks repeated forbidden responses and blocks hosts on excess.
type HostBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

// NewHostBlocker builds a blocker. threshold <= 0 disables blocking.
func NewHostBlocker(threshold int) *HostBlocker {
	return &HostBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

// IsBlocked reports whether host has been blocked.
func (b *HostBlocker) IsBlocked(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *HostBlocker) MarkForbidden(host string) bool {
	if b == nil || b.threshold <= 0 || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}
