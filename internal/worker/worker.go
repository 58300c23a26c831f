// Package worker implements the per-unit crawl pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/decide"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/history"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/continuous-crawler/internal/worker")

// Step names the pipeline stage a worker is in.
type Step string

// Pipeline steps, in order.
const (
	StepIdle      Step = "idle"
	StepWaiting   Step = "waiting-for-work"
	StepPrecheck  Step = "prechecking"
	StepRateLimit Step = "rate-limited"
	StepHistory   Step = "loading-history"
	StepFetch     Step = "fetching"
	StepDigest    Step = "digesting"
	StepExtract   Step = "extracting"
	StepSchedule  Step = "scheduling"
	StepStore     Step = "storing-history"
	StepPaused    Step = "paused"
	StepAbandoned Step = "abandoned"
)

// Scheduler is the part of the frontier a worker feeds discovered links into.
type Scheduler interface {
	Schedule(ctx context.Context, cu *crawler.CrawlURI) frontier.Disposition
}

// Scope decides whether a discovered link enters the frontier.
type Scope interface {
	Decide(cu *crawler.CrawlURI) decide.Decision
}

// HistoryStore is the recrawl history the pipeline reads and writes.
type HistoryStore interface {
	Get(ctx context.Context, key string) (history.Record, error)
	Put(ctx context.Context, key string, rec history.Record) error
}

// Config controls Worker behavior.
type Config struct {
	Load history.LoadPolicy
	// MaxOutlinks caps links scheduled per unit. Zero means no cap.
	MaxOutlinks int
}

// Status is a point-in-time view of one worker for thread reports.
type Status struct {
	Index     int       `json:"index"`
	Step      Step      `json:"step"`
	URL       string    `json:"url,omitempty"`
	Since     time.Time `json:"since"`
	Processed int64     `json:"processed"`
}

// Worker runs the fetch, history, extract, decide and schedule pipeline for
// one unit at a time.
type Worker struct {
	index     int
	scheduler Scheduler
	scope     Scope
	history   HistoryStore
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	robots    crawler.RobotsPolicy
	limiter   crawler.RateLimiter
	digester  *crawler.ContentDigester
	blocker   *crawler.HostBlocker
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	step      Step
	current   string
	since     time.Time
	processed int64
}

// New constructs a Worker. robots, limiter, digester, blocker and history
// are optional.
func New(
	index int,
	scheduler Scheduler,
	scope Scope,
	historyStore HistoryStore,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	robots crawler.RobotsPolicy,
	limiter crawler.RateLimiter,
	digester *crawler.ContentDigester,
	blocker *crawler.HostBlocker,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		index:     index,
		scheduler: scheduler,
		scope:     scope,
		history:   historyStore,
		fetcher:   fetcher,
		extractor: extractor,
		robots:    robots,
		limiter:   limiter,
		digester:  digester,
		blocker:   blocker,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.Int("index", index)),
	}
	w.setStep(StepIdle, "")
	return w
}

// Status returns the worker's current step.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Index: w.index, Step: w.step, URL: w.current, Since: w.since, Processed: w.processed}
}

// SetStep records a step chosen by the pool, such as waiting or paused.
func (w *Worker) SetStep(step Step) {
	w.setStep(step, "")
}

func (w *Worker) setStep(step Step, url string) {
	now := time.Now()
	if w.clock != nil {
		now = w.clock.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = step
	if url != "" || step == StepIdle || step == StepWaiting || step == StepPaused {
		w.current = url
	}
	w.since = now
}

// Process runs the pipeline for cu and returns the outcome to hand back to
// the frontier. It never panics; an unexpected failure becomes a runtime
// error outcome. Cancellation of ctx is checked between stages.
func (w *Worker) Process(ctx context.Context, cu *crawler.CrawlURI) (outcome crawler.Outcome) {
	ctx, span := tracer.Start(ctx, "crawl.unit")
	span.SetAttributes(
		attribute.String("crawl.url", cu.URL),
		attribute.String("crawl.queue", cu.QueueKey),
		attribute.Int("crawl.retries", cu.Retries),
	)
	metrics.IncActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("unit processing panicked",
				zap.String("url", cu.URL),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			cu.AddNonFatalFailure(fmt.Sprintf("panic: %v", r))
			cu.FetchStatus = crawler.StatusRuntimeError
			outcome = crawler.Outcome{Status: crawler.StatusRuntimeError, Err: fmt.Errorf("panic: %v", r)}
		}
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, crawler.StatusText(outcome.Status))
		}
		span.SetAttributes(attribute.Int("crawl.status", outcome.Status))
		span.End()
		metrics.DecActiveWorkers()
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		w.setStep(StepIdle, "")
	}()

	return w.process(ctx, cu)
}

func (w *Worker) process(ctx context.Context, cu *crawler.CrawlURI) crawler.Outcome {
	host := crawler.Host(cu.URL)

	w.setStep(StepPrecheck, cu.URL)
	if w.blocker.IsBlocked(host) {
		return w.refuse(cu, crawler.StatusBlockedByHost)
	}
	var crawlDelay time.Duration
	if w.robots != nil {
		if !w.robots.Allowed(ctx, cu.URL) {
			return w.refuse(cu, crawler.StatusRobotsPrecluded)
		}
		crawlDelay = w.robots.CrawlDelay(ctx, cu.URL)
	}
	if err := ctx.Err(); err != nil {
		return canceled(cu, err)
	}

	if w.limiter != nil {
		w.setStep(StepRateLimit, cu.URL)
		start := time.Now()
		if err := w.limiter.Wait(ctx, host); err != nil {
			return canceled(cu, err)
		}
		metrics.ObserveRateLimitDelay(host, time.Since(start))
	}

	w.setStep(StepHistory, cu.URL)
	key, err := history.Key(cu)
	if err != nil {
		cu.FetchStatus = crawler.StatusRuntimeError
		return crawler.Outcome{Status: crawler.StatusRuntimeError, Err: fmt.Errorf("history key: %w", err)}
	}
	w.loadHistory(ctx, cu, key)
	if err := ctx.Err(); err != nil {
		return canceled(cu, err)
	}

	w.setStep(StepFetch, cu.URL)
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     cu.URL,
		Headers: history.ConditionalHeaders(cu.History),
	})
	if err != nil {
		status := crawler.ClassifyFetchError(err)
		cu.FetchStatus = status
		cu.FetchDuration = resp.Duration
		metrics.ObserveFetch(cu.URL, crawler.StatusText(status), 0)
		w.logger.Debug("fetch failed", zap.String("url", cu.URL), zap.Int("status", status), zap.Error(err))
		return crawler.Outcome{Status: status, FetchDuration: resp.Duration, CrawlDelay: crawlDelay, Err: err}
	}
	cu.FetchStatus = resp.StatusCode
	cu.FetchDuration = resp.Duration
	cu.ContentLength = int64(len(resp.Body))
	cu.ContentType = resp.Headers.Get("Content-Type")
	cu.Response = &resp
	metrics.ObserveFetch(cu.URL, crawler.StatusText(resp.StatusCode), len(resp.Body))
	outcome := crawler.Outcome{Status: resp.StatusCode, FetchDuration: resp.Duration, CrawlDelay: crawlDelay}

	if resp.StatusCode == http.StatusForbidden && w.blocker.MarkForbidden(host) {
		w.logger.Warn("host blocked after repeated 403s", zap.String("host", host))
	}
	if resp.StatusCode == http.StatusNotModified {
		cu.Unchanged = true
		if cu.History != nil {
			cu.ContentDigest = cu.History.Digest
		}
		return outcome
	}
	if err := ctx.Err(); err != nil {
		return canceled(cu, err)
	}

	w.setStep(StepDigest, cu.URL)
	w.digest(cu, resp)

	if !cu.Unchanged {
		w.setStep(StepExtract, cu.URL)
		links := w.extract(cu, resp)
		if err := ctx.Err(); err != nil {
			return canceled(cu, err)
		}
		w.setStep(StepSchedule, cu.URL)
		w.scheduleLinks(ctx, cu, links)
	}

	if w.history != nil && history.ShouldStore(cu) {
		w.setStep(StepStore, cu.URL)
		if err := w.history.Put(ctx, key, history.RecordFor(cu)); err != nil {
			cu.AddNonFatalFailure("history store: " + err.Error())
			w.logger.Error("history store failed", zap.String("url", cu.URL), zap.Error(err))
		}
	}
	return outcome
}

func (w *Worker) refuse(cu *crawler.CrawlURI, status int) crawler.Outcome {
	cu.FetchStatus = status
	w.logger.Debug("unit refused", zap.String("url", cu.URL), zap.String("reason", crawler.StatusText(status)))
	return crawler.Outcome{Status: status}
}

func canceled(cu *crawler.CrawlURI, err error) crawler.Outcome {
	cu.FetchStatus = crawler.StatusWorkerAbandoned
	return crawler.Outcome{Status: crawler.StatusWorkerAbandoned, Err: err}
}

func (w *Worker) loadHistory(ctx context.Context, cu *crawler.CrawlURI, key string) {
	if w.history == nil || !w.cfg.Load.ShouldLoad(cu) {
		return
	}
	rec, err := w.history.Get(ctx, key)
	switch {
	case errors.Is(err, history.ErrNotFound):
	case err != nil:
		cu.AddNonFatalFailure("history load: " + err.Error())
		w.logger.Warn("history load failed", zap.String("url", cu.URL), zap.Error(err))
	default:
		cu.History = &rec
	}
}

func (w *Worker) digest(cu *crawler.CrawlURI, resp crawler.FetchResponse) {
	if w.digester == nil {
		return
	}
	sum, ok, err := w.digester.Digest(resp)
	if err != nil {
		cu.AddNonFatalFailure(err.Error())
		return
	}
	if !ok {
		return
	}
	cu.ContentDigest = sum
	if cu.History != nil && cu.History.Digest == sum {
		cu.Unchanged = true
	}
}

func (w *Worker) extract(cu *crawler.CrawlURI, resp crawler.FetchResponse) []crawler.Link {
	var links []crawler.Link
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Headers.Get("Location"); loc != "" {
			links = append(links, crawler.Link{URL: loc, Hop: crawler.HopRedirect})
		}
	}
	if w.extractor != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		found, err := w.extractor.Extract(resp)
		if err != nil {
			cu.AddNonFatalFailure("extract: " + err.Error())
			w.logger.Warn("extract failed", zap.String("url", cu.URL), zap.Error(err))
		}
		links = append(links, found...)
	}
	cu.Outlinks = links
	return links
}

func (w *Worker) scheduleLinks(ctx context.Context, cu *crawler.CrawlURI, links []crawler.Link) {
	if w.scheduler == nil {
		return
	}
	base := cu.URL
	if cu.Response != nil && cu.Response.URL != "" {
		base = cu.Response.URL
	}
	scheduled := 0
	for _, link := range links {
		if w.cfg.MaxOutlinks > 0 && scheduled >= w.cfg.MaxOutlinks {
			break
		}
		abs, err := crawler.Resolve(base, link.URL)
		if err != nil {
			continue
		}
		child := cu.Child(abs, link.Hop)
		if w.scope != nil && w.scope.Decide(child) == decide.Reject {
			continue
		}
		if w.scheduler.Schedule(ctx, child) == frontier.Queued {
			scheduled++
		}
	}
}
