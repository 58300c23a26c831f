// Package controller drives the crawl lifecycle: it builds the job's
// components, starts, pauses, checkpoints and stops the worker pool, and
// records every phase change as a lifecycle event.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/id/uuid"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
	"github.com/JakeFAU/continuous-crawler/internal/progress"
	"github.com/JakeFAU/continuous-crawler/internal/progress/sinks"
	"github.com/JakeFAU/continuous-crawler/internal/worker"
)

const launchedMessage = "Job launched"

// Frontier is the scheduler surface the controller drives.
type Frontier interface {
	Start()
	Close()
	Started() bool
	Stats() frontier.Stats
	BudgetSpent() bool
	QueueSummaries() []frontier.QueueSummary
	ReportTo(kind string, w io.Writer) error
}

// Pool is the worker pool surface the controller drives.
type Pool interface {
	Run(ctx context.Context) error
	Pause()
	Resume()
	Stop()
	WaitIdle(ctx context.Context) error
	Active() int
	Size() int
	OnExhausted(fn func())
	Statuses() []worker.Status
	ReportTo(kind string, w io.Writer) error
}

// Checkpointer writes checkpoints.
type Checkpointer interface {
	Create(ctx context.Context, req checkpoint.Request) (checkpoint.Metadata, error)
}

// Feed delivers work into the frontier while the crawl runs.
type Feed interface {
	Run(ctx context.Context) error
}

// Components is everything a run needs, produced by a Builder.
type Components struct {
	Frontier    Frontier
	Pool        Pool
	Checkpoints Checkpointer
	Feeds       []Feed
	// Finish runs once the pool has stopped, before the run is FINISHED.
	Finish func(ctx context.Context) error
	// Release frees resources on teardown.
	Release func(ctx context.Context) error
}

// Builder assembles the job's components from configuration.
type Builder func(ctx context.Context) (*Components, error)

// Limits end a run early. Zero values disable a limit.
type Limits struct {
	MaxDocuments int64
	MaxRunTime   time.Duration
}

// Config controls a Controller.
type Config struct {
	Job string
	// JobLogPath is scanned for earlier launches.
	JobLogPath string
	Limits     Limits
	// Continuous keeps the crawl RUNNING when the frontier runs dry, waiting
	// for feeds to deliver more work.
	Continuous bool
	// CheckpointInterval triggers periodic checkpoints while running.
	CheckpointInterval time.Duration
	// DrainTimeout bounds how long a checkpoint waits for in-flight units.
	DrainTimeout time.Duration
	// WatchInterval is how often limits are checked.
	WatchInterval time.Duration
	// BaseContext parents the run context. Defaults to Background.
	BaseContext context.Context
}

// Status is a point-in-time view of the controller.
type Status struct {
	Job           string         `json:"job"`
	RunID         string         `json:"run_id"`
	Phase         Phase          `json:"phase"`
	Exit          ExitClass      `json:"exit,omitempty"`
	LaunchCount   int            `json:"launch_count"`
	Checkpointing bool           `json:"checkpointing"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	Stats         frontier.Stats `json:"stats"`
	Busy          int            `json:"busy_threads"`
	Threads       int            `json:"threads"`
}

// Controller is the lifecycle state machine for one job. Verbs issued in a
// phase that does not accept them are logged as notices and have no effect.
type Controller struct {
	cfg     Config
	build   Builder
	emitter progress.Emitter
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger

	mu            sync.Mutex
	phase         Phase
	exit          ExitClass
	runID         string
	runKey        [16]byte
	launchCount   int
	startedAt     time.Time
	components    *Components
	checkpointing bool
	runCtx        context.Context
	runCancel     context.CancelFunc
	poolDone      chan struct{}
	done          chan struct{}
}

// New returns a Controller in NASCENT. The launch count is recovered from
// the job log at cfg.JobLogPath.
func New(
	cfg Config,
	build Builder,
	emitter progress.Emitter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Controller, error) {
	if build == nil {
		return nil, errors.New("controller requires a builder")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("controller requires id generator and clock")
	}
	if emitter == nil {
		emitter = progress.EmitterFunc(func(progress.Event) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Minute
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	c := &Controller{
		cfg:     cfg,
		build:   build,
		emitter: emitter,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("controller").With(zap.String("job", cfg.Job)),
		phase:   PhaseNascent,
		done:    make(chan struct{}),
	}
	if cfg.JobLogPath != "" {
		n, err := sinks.CountMessages(cfg.JobLogPath, launchedMessage)
		if err != nil {
			return nil, fmt.Errorf("count launches: %w", err)
		}
		c.launchCount = n
	}
	if err := c.newRunLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) newRunLocked() error {
	id, err := c.ids.NewID()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	c.runID = id
	c.runKey = progress.UUIDToBytes(parsed)
	return nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Exit returns the exit class of a finished run.
func (c *Controller) Exit() ExitClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// RunID returns the identifier of the current run.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// LaunchCount is how many times this job has been launched, across
// process restarts.
func (c *Controller) LaunchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launchCount
}

// Done is closed once the current run reaches FINISHED.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Status returns a snapshot of the controller and its components.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Job:           c.cfg.Job,
		RunID:         c.runID,
		Phase:         c.phase,
		Exit:          c.exit,
		LaunchCount:   c.launchCount,
		Checkpointing: c.checkpointing,
		StartedAt:     c.startedAt,
	}
	comps := c.components
	c.mu.Unlock()
	if comps != nil {
		st.Stats = comps.Frontier.Stats()
		st.Busy = comps.Pool.Active()
		st.Threads = comps.Pool.Size()
	}
	return st
}

// Build assembles the job's components without starting anything. Errors
// are recorded as SEVERE with their cause chain.
func (c *Controller) Build(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseNascent, PhasePreparing:
	default:
		return c.misuseLocked("build")
	}
	return c.buildLocked(ctx)
}

func (c *Controller) buildLocked(ctx context.Context) error {
	if c.components != nil {
		return nil
	}
	comps, err := c.build(ctx)
	if err == nil && (comps == nil || comps.Frontier == nil || comps.Pool == nil) {
		err = errors.New("builder returned no frontier or pool")
	}
	if err != nil {
		c.noticeLocked(progress.LevelSevere, "Job configuration error: "+err.Error())
		c.logger.Error("job build failed", zap.Error(err))
		return fmt.Errorf("build job: %w", err)
	}
	c.components = comps
	comps.Pool.OnExhausted(c.onExhausted)
	c.noticeLocked(progress.LevelInfo, "Job built")
	return nil
}

// Launch builds the job if needed and starts crawling.
func (c *Controller) Launch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.Active() {
		c.noticeLocked(progress.LevelSevere, "Can't relaunch running job")
		return fmt.Errorf("launch from %s: %w", c.phase, ErrInvalidPhase)
	}
	if c.phase != PhaseNascent && c.phase != PhasePreparing {
		return c.misuseLocked("launch")
	}
	if c.phase == PhaseNascent {
		c.transitionLocked(PhasePreparing, "")
	}
	if err := c.buildLocked(ctx); err != nil {
		return err
	}
	// Only launches that got past assembly count toward the job log total.
	c.launchCount++
	c.noticeLocked(progress.LevelInfo, launchedMessage)
	return c.startLocked()
}

// Start begins crawling a prepared job.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.Active() {
		c.noticeLocked(progress.LevelWarning, "Crawl already running")
		return nil
	}
	if c.phase != PhasePreparing || c.components == nil {
		return c.misuseLocked("start")
	}
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	comps := c.components
	c.runCtx, c.runCancel = context.WithCancel(c.cfg.BaseContext)
	c.poolDone = make(chan struct{})
	c.startedAt = c.clock.Now()

	comps.Frontier.Start()
	runCtx, poolDone := c.runCtx, c.poolDone
	go func() {
		defer close(poolDone)
		if err := comps.Pool.Run(runCtx); err != nil {
			c.logger.Error("worker pool failed", zap.Error(err))
			c.fail("Worker pool failed: " + err.Error())
		}
	}()
	if len(comps.Feeds) > 0 {
		go c.runFeeds(runCtx, comps.Feeds)
	}
	go c.watch(runCtx, poolDone)

	c.transitionLocked(PhaseRunning, "")
	return nil
}

func (c *Controller) runFeeds(ctx context.Context, feeds []Feed) {
	g, gCtx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		g.Go(func() error { return f.Run(gCtx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		c.logger.Warn("feed stopped", zap.Error(err))
		c.notice(progress.LevelWarning, "Feed stopped: "+err.Error())
	}
}

// Pause holds dispatch. The job is PAUSED once every worker is idle.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRunning {
		return c.misuseLocked("pause")
	}
	c.transitionLocked(PhasePausing, "")
	pool, ctx := c.components.Pool, c.runCtx
	pool.Pause()
	go func() {
		if err := pool.WaitIdle(ctx); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.phase == PhasePausing {
			c.transitionLocked(PhasePaused, "")
		}
	}()
	return nil
}

// Unpause resumes dispatch of a paused job.
func (c *Controller) Unpause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhasePaused {
		return c.misuseLocked("unpause")
	}
	c.transitionLocked(PhaseResuming, "")
	c.components.Pool.Resume()
	c.transitionLocked(PhaseRunning, "")
	return nil
}

// Checkpoint holds dispatch, waits for in-flight units to drain, writes a
// checkpoint and returns to the phase it interrupted.
func (c *Controller) Checkpoint(ctx context.Context) (checkpoint.Metadata, error) {
	c.mu.Lock()
	if c.checkpointing {
		c.mu.Unlock()
		c.notice(progress.LevelWarning, "Checkpoint already in progress")
		return checkpoint.Metadata{}, ErrCheckpointInProgress
	}
	if c.phase != PhaseRunning && c.phase != PhasePaused {
		err := c.misuseLocked("checkpoint")
		c.mu.Unlock()
		return checkpoint.Metadata{}, err
	}
	if c.components.Checkpoints == nil {
		c.mu.Unlock()
		return checkpoint.Metadata{}, errors.New("checkpointing not configured")
	}
	prior := c.phase
	c.checkpointing = true
	c.transitionLocked(PhaseCheckpointing, "")
	comps, runID := c.components, c.runID
	comps.Pool.Pause()
	c.mu.Unlock()

	meta, err := c.writeCheckpoint(ctx, comps, runID, prior)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpointing = false
	if c.phase == PhaseCheckpointing {
		if prior == PhaseRunning {
			comps.Pool.Resume()
		}
		c.transitionLocked(prior, "")
	}
	if err != nil {
		c.eventLocked(progress.LevelSevere, progress.KindCheckpoint, "Checkpoint failed: "+err.Error())
		return checkpoint.Metadata{}, err
	}
	c.eventLocked(progress.LevelInfo, progress.KindCheckpoint, "Checkpoint "+meta.Name+" written")
	return meta, nil
}

func (c *Controller) writeCheckpoint(
	ctx context.Context,
	comps *Components,
	runID string,
	prior Phase,
) (checkpoint.Metadata, error) {
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	if err := comps.Pool.WaitIdle(drainCtx); err != nil {
		return checkpoint.Metadata{}, fmt.Errorf("drain workers: %w", err)
	}
	meta, err := comps.Checkpoints.Create(ctx, checkpoint.Request{RunID: runID, Phase: string(prior)})
	if err != nil {
		return checkpoint.Metadata{}, fmt.Errorf("create checkpoint: %w", err)
	}
	return meta, nil
}

// Terminate stops the job from any non-terminal phase. Workers abandon
// their units and the run ends FINISHED_ABORTED.
func (c *Controller) Terminate() error {
	if !c.stop(ExitAborted) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.misuseLocked("terminate")
	}
	return nil
}

// Teardown discards a job that is not running so it can be built and
// launched again.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseNascent, PhasePreparing, PhaseFinished:
	default:
		return c.misuseLocked("teardown")
	}
	var err error
	if c.components != nil && c.components.Release != nil {
		if err = c.components.Release(ctx); err != nil {
			c.logger.Warn("release components failed", zap.Error(err))
		}
	}
	c.noticeLocked(progress.LevelInfo, "Job instance discarded")
	c.components = nil
	c.phase = PhaseNascent
	c.exit = ExitNone
	c.startedAt = time.Time{}
	c.done = make(chan struct{})
	if idErr := c.newRunLocked(); idErr != nil {
		return errors.Join(err, idErr)
	}
	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

// stop moves the job to STOPPING and finishes it in the background. It
// returns false when the job is already stopping or finished.
func (c *Controller) stop(exit ExitClass) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseStopping || c.phase.Terminal() {
		return false
	}
	c.exit = exit
	c.transitionLocked(PhaseStopping, "")
	comps, poolDone, cancel := c.components, c.poolDone, c.runCancel
	if comps == nil || poolDone == nil {
		c.finishLocked()
		return true
	}
	comps.Pool.Stop()
	go func() {
		<-poolDone
		comps.Frontier.Close()
		if cancel != nil {
			cancel()
		}
		if comps.Finish != nil {
			ctx, done := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
			if err := comps.Finish(ctx); err != nil {
				c.logger.Error("finish job failed", zap.Error(err))
				c.notice(progress.LevelSevere, "Job finish failed: "+err.Error())
			}
			done()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.finishLocked()
	}()
	return true
}

func (c *Controller) finishLocked() {
	c.transitionLocked(PhaseFinished, c.exit)
	c.poolDone = nil
	close(c.done)
}

func (c *Controller) fail(msg string) {
	c.notice(progress.LevelSevere, msg)
	c.stop(ExitAborted)
}

// onExhausted runs when the whole pool agrees the frontier is empty.
func (c *Controller) onExhausted() {
	c.mu.Lock()
	comps, phase := c.components, c.phase
	c.mu.Unlock()
	if phase != PhaseRunning || comps == nil {
		return
	}
	if c.cfg.Continuous {
		c.logger.Debug("frontier exhausted; waiting for feeds")
		return
	}
	exit := ExitSuccess
	if comps.Frontier.BudgetSpent() {
		exit = ExitDataLimit
	}
	c.logger.Info("frontier exhausted", zap.String("exit", string(exit)))
	c.stop(exit)
}

// watch enforces run limits and takes periodic checkpoints until the pool
// exits.
func (c *Controller) watch(ctx context.Context, poolDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()
	lastCheckpoint := c.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poolDone:
			return
		case <-ticker.C:
		}
		if exit := c.limitReached(); exit != ExitNone {
			c.logger.Info("run limit reached", zap.String("exit", string(exit)))
			c.stop(exit)
			return
		}
		if c.cfg.CheckpointInterval > 0 && c.clock.Now().Sub(lastCheckpoint) >= c.cfg.CheckpointInterval {
			if c.Phase() != PhaseRunning {
				continue
			}
			lastCheckpoint = c.clock.Now()
			if _, err := c.Checkpoint(ctx); err != nil && !errors.Is(err, ErrCheckpointInProgress) {
				c.logger.Warn("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (c *Controller) limitReached() ExitClass {
	c.mu.Lock()
	comps, phase, started := c.components, c.phase, c.startedAt
	c.mu.Unlock()
	if comps == nil || !phase.Active() {
		return ExitNone
	}
	limits := c.cfg.Limits
	if limits.MaxRunTime > 0 && c.clock.Now().Sub(started) >= limits.MaxRunTime {
		return ExitTimeLimit
	}
	if limits.MaxDocuments > 0 && comps.Frontier.Stats().Succeeded >= limits.MaxDocuments {
		return ExitDocumentLimit
	}
	return ExitNone
}

func (c *Controller) misuseLocked(verb string) error {
	msg := fmt.Sprintf("Can't %s job in phase %s", verb, c.phase)
	c.noticeLocked(progress.LevelWarning, msg)
	c.logger.Warn("lifecycle action ignored", zap.String("action", verb), zap.String("phase", string(c.phase)))
	return fmt.Errorf("%s from %s: %w", verb, c.phase, ErrInvalidPhase)
}

func (c *Controller) transitionLocked(to Phase, exit ExitClass) {
	from := c.phase
	c.phase = to
	metrics.ObserveTransition(string(to))
	msg := "Crawl " + string(to)
	if exit != ExitNone {
		msg += " (" + string(exit) + ")"
	}
	c.logger.Info("phase changed", zap.String("from", string(from)), zap.String("to", string(to)))
	c.emitter.Emit(progress.Event{
		RunID:   c.runKey,
		Job:     c.cfg.Job,
		TS:      c.clock.Now(),
		Level:   progress.LevelInfo,
		Kind:    progress.KindTransition,
		Phase:   string(to),
		From:    string(from),
		Exit:    string(exit),
		Message: msg,
	})
}

func (c *Controller) notice(level progress.Level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noticeLocked(level, msg)
}

func (c *Controller) noticeLocked(level progress.Level, msg string) {
	c.eventLocked(level, progress.KindNotice, msg)
}

func (c *Controller) eventLocked(level progress.Level, kind progress.Kind, msg string) {
	c.emitter.Emit(progress.Event{
		RunID:   c.runKey,
		Job:     c.cfg.Job,
		TS:      c.clock.Now(),
		Level:   level,
		Kind:    kind,
		Phase:   string(c.phase),
		Message: msg,
	})
}
