package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"math/big"
	"net"
	"syscall"
	"time"
)

// RetryPolicy decides whether a failed unit goes back to its queue.
type RetryPolicy interface {
	ShouldRetry(outcome Outcome, retries int) bool
	Backoff(retries int) time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy. Zero values fall back to sane defaults.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = 5 * time.Minute
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry reports whether a unit that has already been retried
// `retries` times may be retried again after this outcome.
func (p *ExponentialRetryPolicy) ShouldRetry(outcome Outcome, retries int) bool {
	if !outcome.Retryable() {
		return false
	}
	if errors.Is(outcome.Err, context.Canceled) {
		return false
	}
	return retries < p.maxRetries
}

// Backoff returns the extra wait added to the queue's wake time before the
// next attempt.
func (p *ExponentialRetryPolicy) Backoff(retries int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retries))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ClassifyFetchError maps a transport error to a crawl status.
func ClassifyFetchError(err error) int {
	if err == nil {
		return StatusUnattempted
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusDNSFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return StatusConnectFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return StatusConnectFailed
		}
		return StatusConnectLost
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return StatusConnectLost
	}
	return StatusRuntimeError
}
