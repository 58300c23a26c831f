// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/api"
	"github.com/JakeFAU/continuous-crawler/internal/app"
	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/clock/system"
	"github.com/JakeFAU/continuous-crawler/internal/config"
	"github.com/JakeFAU/continuous-crawler/internal/controller"
	"github.com/JakeFAU/continuous-crawler/internal/id/uuid"
	"github.com/JakeFAU/continuous-crawler/internal/logging"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
	"github.com/JakeFAU/continuous-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/continuous-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/continuous-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/continuous-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/continuous-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/continuous-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/continuous-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/continuous-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/continuous-crawler/internal/storage/postgres"
	"github.com/JakeFAU/continuous-crawler/internal/telemetry"
)

// Version is stamped into traces. Overridden at link time.
var Version = "dev"

// stateEvent is the event attribute on published transitions.
const stateEvent = "crawl.state_changed"

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	controller     *controller.Controller
	apiServer      *api.Server
	progressHub    *progress.Hub
	catalog        *checkpoint.Service
	mirror         storage.BlobStore
	gcsClient      *gcstorage.Client
	publisher      *gcppublisher.Publisher
	runStore       *pgstore.RunStore
	tracerShutdown telemetry.Shutdown
}

// Controller returns the crawl controller.
func (a *App) Controller() *controller.Controller { return a.controller }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Catalog lists the job's checkpoints, local and mirrored.
func (a *App) Catalog() *checkpoint.Service { return a.catalog }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the API and blocks until the context is canceled or a signal
// arrives. With launch set the crawl starts immediately and Run also returns
// once it finishes.
func (a *App) Run(ctx context.Context, launch bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.cfg.API.Enabled {
		srv = &http.Server{
			Addr:              a.cfg.API.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.cfg.API.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	var finished <-chan struct{}
	if launch {
		if err := a.controller.Launch(ctx); err != nil {
			a.shutdownHTTP(srv)
			return fmt.Errorf("launch crawl: %w", err)
		}
		finished = a.controller.Done()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case <-finished:
		a.logger.Info("crawl finished", zap.String("exit", string(a.controller.Exit())))
	}

	a.shutdownHTTP(srv)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Checkpoint.DrainTimeout+10*time.Second)
	defer cancel()
	a.stopCrawl(shutdownCtx)
	return a.Close(shutdownCtx)
}

func (a *App) shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
}

// stopCrawl terminates an active run, waits for it to finish and tears it
// down so history is flushed.
func (a *App) stopCrawl(ctx context.Context) {
	if a.controller.Phase().Active() {
		_ = a.controller.Terminate()
		select {
		case <-a.controller.Done():
		case <-ctx.Done():
			a.logger.Warn("crawl did not finish before shutdown deadline")
			return
		}
	}
	if err := a.controller.Teardown(ctx); err != nil && !errors.Is(err, controller.ErrInvalidPhase) {
		a.logger.Warn("teardown failed", zap.Error(err))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("job", cfg.App.Job),
		zap.String("job_dir", cfg.App.JobDir),
		zap.Int("workers", cfg.Crawl.Workers),
	)

	// Anything already opened is released when a later step fails.
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	a.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Exporter:       cfg.Telemetry.Exporter,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	if err = setupMirror(ctx, a); err != nil {
		return nil, err
	}
	if err = setupRunStore(ctx, a); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return nil, err
	}

	a.catalog, err = checkpoint.NewCatalog(checkpoint.Config{
		Dir:    cfg.Checkpoint.Dir,
		Job:    cfg.App.Job,
		Mirror: a.mirror,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("checkpoint catalog init failed: %w", err)
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	assembler := app.NewAssembler(*cfg, app.Deps{
		Mirror: a.mirror,
		Clock:  clock,
		IDs:    ids,
		Logger: logger,
	})
	a.controller, err = controller.New(controller.Config{
		Job:        cfg.App.Job,
		JobLogPath: cfg.Progress.JobLogPath,
		Limits: controller.Limits{
			MaxDocuments: cfg.Crawl.MaxDocuments,
			MaxRunTime:   cfg.Crawl.MaxRunTime,
		},
		Continuous:         cfg.Crawl.Continuous,
		CheckpointInterval: cfg.Checkpoint.Interval,
		DrainTimeout:       cfg.Checkpoint.DrainTimeout,
	}, assembler.Build, emitter, ids, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("controller init failed: %w", err)
	}

	opts := api.Options{
		APIKey:      cfg.API.APIKey,
		Checkpoints: a.catalog,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	if a.runStore != nil {
		opts.Runs = api.NewRunsHandler(a.runStore, logger)
	}
	a.apiServer = api.NewServer(a.controller, opts, logger)

	ok = true
	return a, nil
}

func setupMirror(ctx context.Context, a *App) error {
	mirror, client, err := OpenMirror(ctx, a.cfg.Checkpoint, a.logger)
	if err != nil {
		return err
	}
	a.mirror, a.gcsClient = mirror, client
	return nil
}

// OpenMirror returns the checkpoint mirror selected by cfg.Backend, or nil
// when mirroring is disabled. The GCS client is returned for closing.
func OpenMirror(
	ctx context.Context,
	cfg config.CheckpointConfig,
	logger *zap.Logger,
) (storage.BlobStore, *gcstorage.Client, error) {
	switch cfg.Backend {
	case "gcs":
		store, client, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		logger.Info("mirroring checkpoints to GCS", zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix))
		return store, client, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		logger.Info("mirroring checkpoints to local directory", zap.String("path", cfg.LocalDir))
		return store, nil, nil
	case "memory":
		logger.Info("mirroring checkpoints in memory")
		return memoryStorage.NewBlobStore(), nil, nil
	default:
		logger.Debug("checkpoint mirroring disabled")
		return nil, nil, nil
	}
}

func setupRunStore(ctx context.Context, a *App) error {
	pg := a.cfg.Postgres
	if pg.DSN == "" {
		a.logger.Debug("no postgres DSN configured; run history disabled")
		return nil
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             pg.DSN,
		RunsTable:       pg.RunsTable,
		EventsTable:     pg.EventsTable,
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runStore = store
	a.logger.Info("run store initialized", zap.String("runs_table", pg.RunsTable))
	return nil
}

func setupPublisher(ctx context.Context, a *App) (progresssinks.Publisher, error) {
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, ps.ProjectID, ps.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return pub, nil
}

func setupProgress(ctx context.Context, a *App) (progress.Emitter, error) {
	var sinkList []progress.Sink
	for _, name := range a.cfg.Progress.Sinks {
		sink, err := newSink(ctx, a, name)
		if err != nil {
			for _, s := range sinkList {
				_ = s.Close(ctx)
			}
			return nil, err
		}
		if sink != nil {
			sinkList = append(sinkList, sink)
		}
	}
	if len(sinkList) == 0 {
		a.logger.Warn("no progress sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Strings("sinks", a.cfg.Progress.Sinks),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.progressHub, nil
}

func newSink(ctx context.Context, a *App, name string) (progress.Sink, error) {
	switch name {
	case "joblog":
		sink, err := progresssinks.NewJobLogSink(a.cfg.Progress.JobLogPath)
		if err != nil {
			return nil, fmt.Errorf("job log sink init failed: %w", err)
		}
		return sink, nil
	case "log":
		return progresssinks.NewLogSink(a.logger.Named("progress_log")), nil
	case "prometheus":
		sink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		return sink, nil
	case "store":
		if a.runStore == nil {
			a.logger.Warn("store sink requested without a run store; skipping")
			return nil, nil
		}
		return progresssinks.NewStoreSink(a.runStore, a.logger.Named("progress_store")), nil
	case "publish":
		pub, err := setupPublisher(ctx, a)
		if err != nil {
			return nil, err
		}
		return progresssinks.NewPublishSink(pub, stateEvent, a.logger.Named("progress_publish")), nil
	default:
		return nil, fmt.Errorf("unknown progress sink %q", name)
	}
}
