// Package dispatcher runs the fixed-size worker pool over the frontier.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/worker"
)

// ErrAbandoned is the outcome error of a unit force-retired on stop.
var ErrAbandoned = errors.New("worker abandoned unit")

// Frontier is the scheduler side the pool draws from.
type Frontier interface {
	Next(ctx context.Context) (*crawler.CrawlURI, error)
	Return(cu *crawler.CrawlURI, outcome crawler.Outcome) frontier.Disposition
	Requeue(cu *crawler.CrawlURI) frontier.Disposition
}

// WorkerFactory builds the worker for a pool slot.
type WorkerFactory func(index int) *worker.Worker

// Config controls the pool.
type Config struct {
	Workers int
	// AbandonTimeout bounds how long a stop waits for a worker to notice
	// cancellation before its unit is force-retired.
	AbandonTimeout time.Duration
	// ExhaustionWindow is how long a worker that saw an exhausted frontier
	// waits for the rest of the pool to agree.
	ExhaustionWindow time.Duration
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	frontier    Frontier
	factory     WorkerFactory
	cfg         Config
	logger      *zap.Logger
	onExhausted func()

	mu             sync.Mutex
	workers        []*worker.Worker
	running        bool
	paused         bool
	stopping       bool
	active         int
	exhausted      int
	changed        chan struct{}
	exhaustedCh    chan struct{}
	stopCh         chan struct{}
	runCtx         context.Context
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	unitCtx        context.Context
	unitCancel     context.CancelFunc
}

// New creates a Dispatcher with cfg.Workers workers built by factory.
func New(f Frontier, factory WorkerFactory, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AbandonTimeout <= 0 {
		cfg.AbandonTimeout = 30 * time.Second
	}
	if cfg.ExhaustionWindow <= 0 {
		cfg.ExhaustionWindow = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		frontier:    f,
		factory:     factory,
		cfg:         cfg,
		logger:      logger.Named("dispatcher"),
		workers:     make([]*worker.Worker, cfg.Workers),
		changed:     make(chan struct{}),
		exhaustedCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	for i := range d.workers {
		d.workers[i] = factory(i)
	}
	return d
}

// OnExhausted registers fn to run each time the whole pool agrees the
// frontier is exhausted.
func (d *Dispatcher) OnExhausted(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExhausted = fn
}

// Run starts all workers and blocks until they exit. Workers exit when the
// frontier closes, ctx ends, or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.runCtx = ctx
	d.dispatchCtx, d.dispatchCancel = context.WithCancel(ctx)
	if d.paused {
		d.dispatchCancel()
	}
	d.unitCtx, d.unitCancel = context.WithCancel(ctx)
	size := len(d.workers)
	d.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			return d.slot(gCtx, i)
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.running = false
	d.dispatchCancel()
	d.unitCancel()
	d.signalLocked()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func (d *Dispatcher) slot(ctx context.Context, i int) error {
	for {
		w := d.worker(i)
		dctx, ok := d.acquire(ctx, w)
		if !ok {
			return nil
		}
		w.SetStep(worker.StepWaiting)
		cu, err := d.frontier.Next(dctx)
		if err != nil {
			d.release()
			switch {
			case errors.Is(err, frontier.ErrClosed):
				return nil
			case ctx.Err() != nil || d.Stopping():
				return nil
			case errors.Is(err, frontier.ErrExhausted):
				if !d.awaitExhaustion(ctx) {
					return nil
				}
			case errors.Is(err, context.Canceled):
				// pause interrupted the wait
			default:
				return fmt.Errorf("worker %d next: %w", i, err)
			}
			continue
		}
		if d.held() {
			// Pause or stop landed while Next was choosing a unit.
			d.frontier.Requeue(cu)
			d.release()
			continue
		}
		d.runUnit(i, w, cu)
		d.release()
	}
}

func (d *Dispatcher) held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused || d.stopping
}

// acquire blocks while dispatch is paused and then counts the worker active.
func (d *Dispatcher) acquire(ctx context.Context, w *worker.Worker) (context.Context, bool) {
	for {
		d.mu.Lock()
		if d.stopping {
			d.mu.Unlock()
			return nil, false
		}
		if !d.paused {
			d.active++
			dctx := d.dispatchCtx
			d.signalLocked()
			d.mu.Unlock()
			return dctx, true
		}
		ch := d.changed
		d.mu.Unlock()
		w.SetStep(worker.StepPaused)
		select {
		case <-ctx.Done():
			return nil, false
		case <-ch:
		}
	}
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
	d.signalLocked()
}

func (d *Dispatcher) runUnit(i int, w *worker.Worker, cu *crawler.CrawlURI) {
	d.mu.Lock()
	uctx := d.unitCtx
	d.mu.Unlock()

	done := make(chan crawler.Outcome, 1)
	go func() {
		done <- w.Process(uctx, cu)
	}()

	select {
	case outcome := <-done:
		d.finish(cu, outcome)
		return
	case <-d.stopCh:
	}

	timer := time.NewTimer(d.cfg.AbandonTimeout)
	defer timer.Stop()
	select {
	case outcome := <-done:
		d.finish(cu, outcome)
	case <-timer.C:
		d.logger.Warn("abandoning unresponsive worker",
			zap.Int("worker", i),
			zap.String("url", cu.URL),
			zap.Duration("waited", d.cfg.AbandonTimeout),
		)
		w.SetStep(worker.StepAbandoned)
		d.finish(cu, crawler.Outcome{Status: crawler.StatusWorkerAbandoned, Err: ErrAbandoned})
		d.recycle(i)
	}
}

func (d *Dispatcher) finish(cu *crawler.CrawlURI, outcome crawler.Outcome) {
	disposition := d.frontier.Return(cu, outcome)
	d.logger.Debug("unit finished",
		zap.String("url", cu.URL),
		zap.String("status", crawler.StatusText(outcome.Status)),
		zap.String("disposition", string(disposition)),
	)
}

func (d *Dispatcher) recycle(i int) {
	fresh := d.factory(i)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[i] = fresh
}

func (d *Dispatcher) worker(i int) *worker.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workers[i]
}

// awaitExhaustion records that a worker saw an exhausted frontier and waits
// for the rest of the pool to see the same. It returns false when ctx ends.
func (d *Dispatcher) awaitExhaustion(ctx context.Context) bool {
	d.mu.Lock()
	d.exhausted++
	if d.exhausted >= len(d.workers) {
		d.exhausted = 0
		close(d.exhaustedCh)
		d.exhaustedCh = make(chan struct{})
		fn := d.onExhausted
		d.mu.Unlock()
		d.logger.Info("all workers see an exhausted frontier")
		if fn != nil {
			fn()
		}
		return ctx.Err() == nil
	}
	ch := d.exhaustedCh
	d.mu.Unlock()

	timer := time.NewTimer(d.cfg.ExhaustionWindow)
	defer timer.Stop()
	select {
	case <-ch:
		return ctx.Err() == nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.mu.Lock()
	select {
	case <-ch:
	default:
		d.exhausted--
	}
	d.mu.Unlock()
	return ctx.Err() == nil
}

func (d *Dispatcher) signalLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Pause stops handing out new units. Workers finish their current unit.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.paused = true
	if d.dispatchCancel != nil {
		d.dispatchCancel()
	}
	d.signalLocked()
}

// Resume lets workers draw from the frontier again.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	if d.running {
		d.dispatchCtx, d.dispatchCancel = context.WithCancel(d.runCtx)
	}
	d.signalLocked()
}

// Paused reports whether dispatch is held.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Active returns the number of workers waiting on or processing a unit.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// WaitIdle blocks until no worker is active or ctx ends.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.active == 0 {
			d.mu.Unlock()
			return nil
		}
		ch := d.changed
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for idle workers: %w", ctx.Err())
		case <-ch:
		}
	}
}

// Stop cancels in-progress units and makes every worker exit. Units that do
// not finish within AbandonTimeout are retired as abandoned.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}
	d.stopping = true
	if d.dispatchCancel != nil {
		d.dispatchCancel()
	}
	if d.unitCancel != nil {
		d.unitCancel()
	}
	close(d.stopCh)
	d.signalLocked()
}

// Stopping reports whether Stop has been called.
func (d *Dispatcher) Stopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopping
}

// Statuses returns a status line for each worker.
func (d *Dispatcher) Statuses() []worker.Status {
	d.mu.Lock()
	workers := append([]*worker.Worker(nil), d.workers...)
	d.mu.Unlock()
	out := make([]worker.Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	return out
}

// Size returns the number of pool slots.
func (d *Dispatcher) Size() int {
	return d.cfg.Workers
}
