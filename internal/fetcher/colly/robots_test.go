package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	r := s.results[s.calls]
	s.calls++
	return r.resp, r.err
}

func okResponse(body string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}
}

func newTestRobotsTransport(base http.RoundTripper) *RobotsTransport {
	t := NewRobotsTransport(base, nil)
	t.backoff = []time.Duration{0, 0, 0}
	return t
}

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()
	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := newTestRobotsTransport(base).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, allowAllRobots, string(body))
	assert.Equal(t, 4, base.calls)
}

func TestRobotsTransportRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	base := &stubRoundTripper{results: []roundTripResult{
		{err: errors.New("net/http: tls: handshake timeout")},
		{resp: okResponse("User-agent: *\nDisallow: /private")},
	}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := newTestRobotsTransport(base).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Disallow: /private")
	assert.Equal(t, 2, base.calls)
}

func TestRobotsTransportPermanentErrorAndPassThrough(t *testing.T) {
	t.Parallel()
	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := newTestRobotsTransport(base).RoundTrip(req)
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, base.calls)

	base = &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	req = httptest.NewRequest(http.MethodGet, "https://example.com/page", nil)
	_, err = newTestRobotsTransport(base).RoundTrip(req)
	require.Error(t, err, "only robots.txt requests are retried")
	assert.Equal(t, 1, base.calls)
}

func TestRobotsTransportNilRequest(t *testing.T) {
	t.Parallel()
	_, err := NewRobotsTransport(&stubRoundTripper{}, nil).RoundTrip(nil)
	require.Error(t, err)
}
