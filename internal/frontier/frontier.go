// Package frontier schedules crawl units across per-host work queues.
//
// Each queue key (normally the host) owns one work queue. A queue is served
// only when its wake time has passed and it has fewer units in flight than
// the concurrency cap; after a worker returns a unit the queue rests for a
// politeness delay derived from the observed fetch. Among eligible queues the
// highest priority tier wins and ties go to the queue served longest ago.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/clock/system"
	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
)

var (
	// ErrExhausted is returned by Next once no queued, snoozed or in-flight
	// work remains and an idle confirmation round saw no new work.
	ErrExhausted = errors.New("frontier exhausted")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("frontier closed")
)

// Disposition describes what the frontier did with a unit.
type Disposition string

// Schedule dispositions.
const (
	Queued     Disposition = "queued"
	Duplicate  Disposition = "duplicate"
	OverBudget Disposition = "over-budget"
	Invalid    Disposition = "invalid"
	Closed     Disposition = "closed"
)

// Return dispositions.
const (
	Succeeded   Disposition = "succeeded"
	Failed      Disposition = "failed"
	Disregarded Disposition = "disregarded"
	Retried     Disposition = "retried"
	Requeued    Disposition = "requeued"
	Unknown     Disposition = "unknown"
)

// SeenFilter remembers canonical keys already admitted to the frontier.
type SeenFilter interface {
	// Add records key and reports whether it had not been seen before.
	Add(ctx context.Context, key string) (bool, error)
}

// KeySnapshotter is implemented by filters whose contents live only in memory
// and must travel with a checkpoint.
type KeySnapshotter interface {
	Keys() []string
	Load(keys []string)
}

// Config tunes scheduling.
type Config struct {
	Delay crawler.DelayPolicy
	Retry crawler.RetryPolicy
	// QueueConcurrency caps units in flight per queue.
	QueueConcurrency int
	// GlobalBudget caps units admitted over the life of the crawl. Zero means no cap.
	GlobalBudget int64
	// QueueBudget caps units admitted per queue. Zero means no cap.
	QueueBudget int64
	// IdleConfirm is how long Next waits on an empty frontier before
	// reporting exhaustion.
	IdleConfirm time.Duration
	// EvictIdle drops queues that have been empty and rested for this long.
	// Zero keeps every queue. Ignored when QueueBudget is set, since a
	// queue's admitted count must outlive its units.
	EvictIdle time.Duration
}

// Stats is a point-in-time view of frontier counters.
type Stats struct {
	Admitted    int64 `json:"admitted"`
	Duplicates  int64 `json:"duplicates"`
	OverBudget  int64 `json:"over_budget"`
	Invalid     int64 `json:"invalid"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	Disregarded int64 `json:"disregarded"`
	Retried     int64 `json:"retried"`
	Evicted     int64 `json:"evicted_queues"`

	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Queues   int `json:"queues"`
}

// Finished counts units retired with any outcome.
func (s Stats) Finished() int64 {
	return s.Succeeded + s.Failed + s.Disregarded
}

// Frontier owns all pending work.
type Frontier struct {
	cfg    Config
	clock  crawler.Clock
	seen   SeenFilter
	logger *zap.Logger

	mu       sync.Mutex
	queues   map[string]*workQueue
	ready    queueHeap
	snoozed  queueHeap
	seq      uint64
	gen      uint64
	queued   int
	inFlight int
	changed  chan struct{}
	started  bool
	closed   bool
	stats    Stats
	swept    time.Time
}

// New constructs a Frontier. seen may be nil to disable duplicate filtering.
func New(cfg Config, clock crawler.Clock, seen SeenFilter, logger *zap.Logger) *Frontier {
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewExponentialRetryPolicy(3, 0, 0)
	}
	if cfg.IdleConfirm <= 0 {
		cfg.IdleConfirm = time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:     cfg,
		clock:   clock,
		seen:    seen,
		logger:  logger.Named("frontier"),
		queues:  make(map[string]*workQueue),
		ready:   queueHeap{less: readyLess, place: placeReady},
		snoozed: queueHeap{less: snoozedLess, place: placeSnoozed},
		changed: make(chan struct{}),
	}
}

// Start marks the frontier as serving a running crawl.
func (f *Frontier) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

// Started reports whether Start has been called.
func (f *Frontier) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Close wakes all waiters; subsequent Next calls return ErrClosed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.signalLocked()
}

// Schedule admits cu into its work queue. Units refused for duplication,
// budget or an unusable address are dropped and counted.
func (f *Frontier) Schedule(ctx context.Context, cu *crawler.CrawlURI) Disposition {
	disposition := f.schedule(ctx, cu)
	metrics.ObserveSchedule(string(disposition))
	return disposition
}

func (f *Frontier) schedule(ctx context.Context, cu *crawler.CrawlURI) Disposition {
	if cu == nil {
		return f.count(Invalid)
	}
	canonical, err := crawler.SURTKey(cu.URL)
	if err != nil {
		f.logger.Debug("unschedulable uri", zap.String("url", cu.URL), zap.Error(err))
		return f.count(Invalid)
	}
	if cu.QueueKey == "" {
		key, err := crawler.QueueKey(cu.URL)
		if err != nil {
			return f.count(Invalid)
		}
		cu.QueueKey = key
	}
	if f.seen != nil {
		fresh, err := f.seen.Add(ctx, canonical)
		switch {
		case err != nil:
			f.logger.Warn("already-seen check failed, admitting unit",
				zap.String("url", cu.URL), zap.Error(err))
		case !fresh:
			return f.count(Duplicate)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Closed
	}
	if f.cfg.GlobalBudget > 0 && f.stats.Admitted >= f.cfg.GlobalBudget {
		f.stats.OverBudget++
		return OverBudget
	}
	q := f.queueLocked(cu.QueueKey)
	if f.cfg.QueueBudget > 0 && q.admitted >= f.cfg.QueueBudget {
		f.stats.OverBudget++
		return OverBudget
	}
	f.seq++
	heap.Push(&q.units, unit{cu: cu, seq: f.seq})
	q.admitted++
	f.queued++
	f.stats.Admitted++
	f.repositionLocked(q, f.clock.Now())
	f.signalLocked()
	return Queued
}

func (f *Frontier) count(d Disposition) Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d {
	case Invalid:
		f.stats.Invalid++
	case Duplicate:
		f.stats.Duplicates++
	}
	return d
}

func (f *Frontier) queueLocked(key string) *workQueue {
	q, ok := f.queues[key]
	if !ok {
		q = newWorkQueue(key)
		f.queues[key] = q
	}
	return q
}

// Next returns the next unit to crawl. It blocks while every queue with work
// is resting or at its concurrency cap.
func (f *Frontier) Next(ctx context.Context) (*crawler.CrawlURI, error) {
	confirming := false
	var confirmGen uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := f.poll()
		if p.cu != nil || p.err != nil {
			return p.cu, p.err
		}
		wait := p.wait
		if p.idle {
			if confirming && confirmGen == p.gen {
				return nil, ErrExhausted
			}
			confirming = true
			confirmGen = p.gen
			wait = f.cfg.IdleConfirm
		} else {
			confirming = false
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-p.changed:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// TryNext is the non-blocking form of Next.
func (f *Frontier) TryNext() (*crawler.CrawlURI, bool) {
	p := f.poll()
	return p.cu, p.cu != nil
}

type pollResult struct {
	cu      *crawler.CrawlURI
	err     error
	wait    time.Duration
	idle    bool
	gen     uint64
	changed <-chan struct{}
}

func (f *Frontier) poll() pollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pollResult{err: ErrClosed}
	}
	now := f.clock.Now()
	f.wakeLocked(now)
	f.evictLocked(now)
	if q := f.ready.peek(); q != nil {
		heap.Pop(&f.ready)
		u := heap.Pop(&q.units).(unit)
		q.inFlight[u.cu] = dispatched{seq: u.seq, unit: *u.cu, lastServed: q.lastServed}
		q.lastServed = now
		q.served++
		f.queued--
		f.inFlight++
		f.repositionLocked(q, now)
		f.signalLocked()
		return pollResult{cu: u.cu}
	}
	res := pollResult{wait: -1, gen: f.gen, changed: f.changed}
	if q := f.snoozed.peek(); q != nil {
		res.wait = q.wake.Sub(now)
		if res.wait < time.Millisecond {
			res.wait = time.Millisecond
		}
	}
	res.idle = f.queued == 0 && f.inFlight == 0
	return res
}

// wakeLocked moves queues whose wake time has passed onto the ready heap.
func (f *Frontier) wakeLocked(now time.Time) {
	for {
		q := f.snoozed.peek()
		if q == nil || q.wake.After(now) {
			return
		}
		heap.Pop(&f.snoozed)
		f.repositionLocked(q, now)
	}
}

// evictLocked forgets queues with nothing pending, nothing in flight and no
// politeness rest left. It sweeps at most once per EvictIdle.
func (f *Frontier) evictLocked(now time.Time) {
	if f.cfg.EvictIdle <= 0 || f.cfg.QueueBudget > 0 || now.Sub(f.swept) < f.cfg.EvictIdle {
		return
	}
	f.swept = now
	evicted := 0
	for key, q := range f.queues {
		if len(q.units) > 0 || len(q.inFlight) > 0 || q.where != placeNone {
			continue
		}
		last := q.lastServed
		if q.wake.After(last) {
			last = q.wake
		}
		if now.Sub(last) < f.cfg.EvictIdle {
			continue
		}
		delete(f.queues, key)
		evicted++
	}
	if evicted > 0 {
		f.stats.Evicted += int64(evicted)
		f.logger.Debug("evicted idle queues", zap.Int("count", evicted), zap.Int("remaining", len(f.queues)))
	}
}

// repositionLocked places q on the heap matching its current state.
func (f *Frontier) repositionLocked(q *workQueue, now time.Time) {
	switch q.where {
	case placeReady:
		heap.Remove(&f.ready, q.index)
	case placeSnoozed:
		heap.Remove(&f.snoozed, q.index)
	}
	if len(q.units) == 0 || len(q.inFlight) >= f.cfg.QueueConcurrency {
		return
	}
	if q.wake.After(now) {
		heap.Push(&f.snoozed, q)
		return
	}
	heap.Push(&f.ready, q)
}

func (f *Frontier) signalLocked() {
	f.gen++
	close(f.changed)
	f.changed = make(chan struct{})
	metrics.SetFrontierGauges(f.queued, f.inFlight, len(f.queues))
}

// Return hands a processed unit back. The queue rests for the politeness
// delay of the outcome; retryable failures go back to the queue with backoff
// until the retry ceiling, after which the unit is retired as failed.
func (f *Frontier) Return(cu *crawler.CrawlURI, outcome crawler.Outcome) Disposition {
	disposition := f.returnUnit(cu, outcome)
	metrics.ObserveReturn(string(disposition))
	return disposition
}

func (f *Frontier) returnUnit(cu *crawler.CrawlURI, outcome crawler.Outcome) Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[cu.QueueKey]
	if !ok {
		f.logger.Warn("unit returned to unknown queue", zap.String("url", cu.URL), zap.String("queue", cu.QueueKey))
		return Unknown
	}
	d, ok := q.inFlight[cu]
	if !ok {
		f.logger.Warn("unit returned but not in flight", zap.String("url", cu.URL))
		return Unknown
	}
	delete(q.inFlight, cu)
	f.inFlight--

	now := f.clock.Now()
	wake := now
	if contactedHost(outcome) {
		wake = now.Add(f.cfg.Delay.Delay(outcome))
	}

	var disposition Disposition
	if f.cfg.Retry.ShouldRetry(outcome, cu.Retries) {
		wake = wake.Add(f.cfg.Retry.Backoff(cu.Retries))
		cu.Retries++
		cu.ResetForRetry()
		heap.Push(&q.units, unit{cu: cu, seq: d.seq})
		f.queued++
		f.stats.Retried++
		disposition = Retried
	} else {
		q.retired++
		switch {
		case outcome.Retryable():
			cu.AddNonFatalFailure("retry ceiling reached")
			cu.FetchStatus = crawler.StatusTooManyRetries
			f.stats.Failed++
			disposition = Failed
		case outcome.Status > 0:
			f.stats.Succeeded++
			disposition = Succeeded
		case disregarded(outcome.Status):
			f.stats.Disregarded++
			disposition = Disregarded
		default:
			f.stats.Failed++
			disposition = Failed
		}
	}
	if wake.After(q.wake) {
		q.wake = wake
	}
	f.repositionLocked(q, now)
	f.signalLocked()
	return disposition
}

// Requeue hands an undispatched unit back to the head of its queue. Unlike
// Return it applies no politeness delay and counts no attempt, so the unit
// keeps its place.
func (f *Frontier) Requeue(cu *crawler.CrawlURI) Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[cu.QueueKey]
	if !ok {
		return Unknown
	}
	d, ok := q.inFlight[cu]
	if !ok {
		return Unknown
	}
	delete(q.inFlight, cu)
	f.inFlight--
	heap.Push(&q.units, unit{cu: cu, seq: d.seq})
	f.queued++
	q.served--
	q.lastServed = d.lastServed
	f.repositionLocked(q, f.clock.Now())
	f.signalLocked()
	return Requeued
}

// contactedHost reports whether the outcome involved talking to the host.
// Units refused before fetch do not make their queue rest.
func contactedHost(outcome crawler.Outcome) bool {
	return !disregarded(outcome.Status)
}

func disregarded(status int) bool {
	switch status {
	case crawler.StatusOutOfScope, crawler.StatusRobotsPrecluded,
		crawler.StatusBlockedByHost, crawler.StatusBudgetExceeded:
		return true
	default:
		return false
	}
}

// Stats returns the current counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Queued = f.queued
	s.InFlight = f.inFlight
	s.Queues = len(f.queues)
	return s
}

// BudgetSpent reports whether the global budget has admitted its last unit.
func (f *Frontier) BudgetSpent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.GlobalBudget > 0 && f.stats.Admitted >= f.cfg.GlobalBudget
}
