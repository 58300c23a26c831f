package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/decide"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/hash/sha256"
	"github.com/JakeFAU/continuous-crawler/internal/history"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      map[string]error
	requests  []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.errs[req.URL]; err != nil {
		return crawler.FetchResponse{Duration: time.Millisecond}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return resp, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeExtractor struct {
	links []crawler.Link
	calls int
	panic bool
}

func (e *fakeExtractor) Extract(crawler.FetchResponse) ([]crawler.Link, error) {
	e.calls++
	if e.panic {
		panic("extractor bug")
	}
	return e.links, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*crawler.CrawlURI
}

func (s *fakeScheduler) Schedule(_ context.Context, cu *crawler.CrawlURI) frontier.Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, cu)
	return frontier.Queued
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]history.Record
	puts    int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string]history.Record)}
}

func (h *fakeHistory) Get(_ context.Context, key string) (history.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[key]
	if !ok {
		return history.Record{}, history.ErrNotFound
	}
	return rec, nil
}

func (h *fakeHistory) Put(_ context.Context, key string, rec history.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[key] = rec
	h.puts++
	return nil
}

type fakeRobots struct {
	disallow map[string]bool
	delay    time.Duration
}

func (r fakeRobots) Allowed(_ context.Context, rawURL string) bool { return !r.disallow[rawURL] }

func (r fakeRobots) CrawlDelay(context.Context, string) time.Duration { return r.delay }

type fixture struct {
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	scheduler *fakeScheduler
	history   *fakeHistory
	robots    fakeRobots
	blocker   *crawler.HostBlocker
}

func newFixture() *fixture {
	return &fixture{
		fetcher: &fakeFetcher{
			responses: map[string]crawler.FetchResponse{},
			errs:      map[string]error{},
		},
		extractor: &fakeExtractor{},
		scheduler: &fakeScheduler{},
		history:   newFakeHistory(),
		blocker:   crawler.NewHostBlocker(2),
	}
}

func (fx *fixture) worker(t *testing.T) *Worker {
	t.Helper()
	scope, err := decide.NewScope(decide.ScopeOptions{Seeds: []string{"http://example.com/"}, MaxHops: 5})
	require.NoError(t, err)
	digester, err := crawler.NewContentDigester(sha256.New(), "", 0)
	require.NoError(t, err)
	return New(0, fx.scheduler, scope, fx.history, fx.fetcher, fx.extractor, fx.robots, nil,
		digester, fx.blocker, nil, Config{}, zaptest.NewLogger(t))
}

func htmlResponse(url, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}, "Etag": []string{`"v1"`}},
		Body:       []byte(body),
		Duration:   20 * time.Millisecond,
	}
}

func seed(url string) *crawler.CrawlURI {
	cu := crawler.NewSeed(url)
	cu.QueueKey, _ = crawler.QueueKey(url)
	return cu
}

func TestProcessSuccessSchedulesInScopeLinks(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.responses["http://example.com/"] = htmlResponse("http://example.com/", "<html>home</html>")
	fx.extractor.links = []crawler.Link{
		{URL: "/about", Hop: crawler.HopLink},
		{URL: "http://www.example.com/logo.png", Hop: crawler.HopEmbed},
		{URL: "http://elsewhere.org/", Hop: crawler.HopLink},
	}
	fx.robots.delay = 2 * time.Second
	w := fx.worker(t)

	cu := seed("http://example.com/")
	outcome := w.Process(context.Background(), cu)

	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.Equal(t, 2*time.Second, outcome.CrawlDelay)
	assert.Equal(t, 20*time.Millisecond, outcome.FetchDuration)
	require.NoError(t, outcome.Err)

	require.Len(t, fx.scheduler.scheduled, 2)
	assert.Equal(t, "http://example.com/about", fx.scheduler.scheduled[0].URL)
	assert.Equal(t, "L", fx.scheduler.scheduled[0].PathFromSeed)
	assert.Equal(t, "http://www.example.com/logo.png", fx.scheduler.scheduled[1].URL)
	assert.Equal(t, crawler.PriorityMedium, fx.scheduler.scheduled[1].Priority)

	key, err := history.Key(cu)
	require.NoError(t, err)
	rec := fx.history.records[key]
	assert.Equal(t, cu.ContentDigest, rec.Digest)
	assert.Equal(t, `"v1"`, rec.ETag)
	assert.Equal(t, http.StatusOK, rec.Status)
	assert.EqualValues(t, len("<html>home</html>"), rec.ReferenceLength)
	assert.Equal(t, StepIdle, w.Status().Step)
	assert.EqualValues(t, 1, w.Status().Processed)
}

func TestProcessUnchangedDigestSkipsExtraction(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.responses["http://example.com/"] = htmlResponse("http://example.com/", "same body")
	fx.extractor.links = []crawler.Link{{URL: "/next", Hop: crawler.HopLink}}
	w := fx.worker(t)

	first := seed("http://example.com/")
	w.Process(context.Background(), first)
	require.Len(t, fx.scheduler.scheduled, 1)

	second := seed("http://example.com/")
	outcome := w.Process(context.Background(), second)
	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.True(t, second.Unchanged)
	assert.Equal(t, 1, fx.extractor.calls)
	assert.Len(t, fx.scheduler.scheduled, 1)
	assert.Equal(t, 2, fx.history.puts)

	last := fx.fetcher.requests[len(fx.fetcher.requests)-1]
	assert.Equal(t, `"v1"`, last.Headers.Get("If-None-Match"))
}

func TestProcessNotModifiedIsUnchangedAndNotStored(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	cu := seed("http://example.com/page")
	key, err := history.Key(cu)
	require.NoError(t, err)
	fx.history.records[key] = history.Record{Digest: "sha256:OLD", ETag: `"v0"`, Status: 200}
	fx.fetcher.responses["http://example.com/page"] = crawler.FetchResponse{
		URL:        "http://example.com/page",
		StatusCode: http.StatusNotModified,
		Duration:   time.Millisecond,
	}
	w := fx.worker(t)

	outcome := w.Process(context.Background(), cu)
	assert.Equal(t, http.StatusNotModified, outcome.Status)
	assert.True(t, cu.Unchanged)
	assert.Equal(t, "sha256:OLD", cu.ContentDigest)
	assert.Zero(t, fx.history.puts)
	assert.Zero(t, fx.extractor.calls)
}

func TestProcessFetchErrorIsClassified(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.errs["http://example.com/slow"] = context.DeadlineExceeded
	w := fx.worker(t)

	cu := seed("http://example.com/slow")
	outcome := w.Process(context.Background(), cu)
	assert.Equal(t, crawler.StatusTimeout, outcome.Status)
	assert.True(t, outcome.Retryable())
	require.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
	assert.Zero(t, fx.history.puts)
}

func TestProcessRobotsPrecluded(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.robots.disallow = map[string]bool{"http://example.com/private": true}
	w := fx.worker(t)

	cu := seed("http://example.com/private")
	outcome := w.Process(context.Background(), cu)
	assert.Equal(t, crawler.StatusRobotsPrecluded, outcome.Status)
	assert.Equal(t, crawler.StatusRobotsPrecluded, cu.FetchStatus)
	assert.Zero(t, fx.fetcher.calls())
}

func TestProcessBlocksHostAfterRepeatedForbidden(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	for _, u := range []string{"http://example.com/a", "http://example.com/b"} {
		fx.fetcher.responses[u] = crawler.FetchResponse{URL: u, StatusCode: http.StatusForbidden}
	}
	w := fx.worker(t)

	w.Process(context.Background(), seed("http://example.com/a"))
	w.Process(context.Background(), seed("http://example.com/b"))
	outcome := w.Process(context.Background(), seed("http://example.com/c"))
	assert.Equal(t, crawler.StatusBlockedByHost, outcome.Status)
	assert.Equal(t, 2, fx.fetcher.calls())
}

func TestProcessRedirectSchedulesLocation(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.responses["http://example.com/old"] = crawler.FetchResponse{
		URL:        "http://example.com/old",
		StatusCode: http.StatusMovedPermanently,
		Headers:    http.Header{"Location": []string{"/new"}},
	}
	w := fx.worker(t)

	w.Process(context.Background(), seed("http://example.com/old"))
	require.Len(t, fx.scheduler.scheduled, 1)
	child := fx.scheduler.scheduled[0]
	assert.Equal(t, "http://example.com/new", child.URL)
	assert.Equal(t, crawler.HopRedirect, child.LastHop())
	assert.Equal(t, crawler.PriorityHigh, child.Priority)
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.responses["http://example.com/"] = htmlResponse("http://example.com/", "boom")
	fx.extractor.panic = true
	w := fx.worker(t)

	cu := seed("http://example.com/")
	var outcome crawler.Outcome
	require.NotPanics(t, func() {
		outcome = w.Process(context.Background(), cu)
	})
	assert.Equal(t, crawler.StatusRuntimeError, outcome.Status)
	require.Error(t, outcome.Err)
	assert.NotEmpty(t, cu.NonFatalFailures)
	assert.Equal(t, StepIdle, w.Status().Step)
}

func TestProcessHonorsCancellation(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	w := fx.worker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := w.Process(ctx, seed("http://example.com/"))
	assert.Equal(t, crawler.StatusWorkerAbandoned, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, context.Canceled))
	assert.Zero(t, fx.fetcher.calls())
}
