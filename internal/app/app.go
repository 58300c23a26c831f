// Package app assembles one crawl job's components from configuration. It
// is the controller's Builder: every launch gets a fresh frontier, history
// store and worker pool, restored from a checkpoint when one is named.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/clock/system"
	"github.com/JakeFAU/continuous-crawler/internal/config"
	"github.com/JakeFAU/continuous-crawler/internal/controller"
	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/decide"
	"github.com/JakeFAU/continuous-crawler/internal/dispatcher"
	"github.com/JakeFAU/continuous-crawler/internal/feed"
	kafkafeed "github.com/JakeFAU/continuous-crawler/internal/feed/kafka"
	pubsubfeed "github.com/JakeFAU/continuous-crawler/internal/feed/pubsub"
	collyfetcher "github.com/JakeFAU/continuous-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/hash/sha256"
	"github.com/JakeFAU/continuous-crawler/internal/history"
	"github.com/JakeFAU/continuous-crawler/internal/id/uuid"
	"github.com/JakeFAU/continuous-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/continuous-crawler/internal/storage"
	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
	uniqmemory "github.com/JakeFAU/continuous-crawler/internal/uniq/memory"
	uniqredis "github.com/JakeFAU/continuous-crawler/internal/uniq/redis"
	"github.com/JakeFAU/continuous-crawler/internal/worker"
)

// Deps are process-level collaborators shared by every run. All are
// optional; production implementations are used for the nil ones.
type Deps struct {
	// Mirror receives a copy of every checkpoint.
	Mirror  storage.BlobStore
	Fetcher crawler.Fetcher
	Robots  crawler.RobotsPolicy
	Clock   crawler.Clock
	IDs     crawler.IDGenerator
	Logger  *zap.Logger
}

// Job is the set of components built for one run.
type Job struct {
	DB          *badgerdb.DB
	History     *history.Store
	Frontier    *frontier.Frontier
	Scope       *decide.Scope
	Pool        *dispatcher.Dispatcher
	Checkpoints *checkpoint.Service
	// Restored is set when the run resumed from a checkpoint.
	Restored *checkpoint.Metadata
	Seeded   int

	closers []func() error
}

// Assembler builds Jobs. Build satisfies controller.Builder.
type Assembler struct {
	cfg  config.Config
	deps Deps
}

// NewAssembler returns an Assembler for cfg.
func NewAssembler(cfg config.Config, deps Deps) *Assembler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	return &Assembler{cfg: cfg, deps: deps}
}

// Build assembles a run and adapts it to the controller.
func (a *Assembler) Build(ctx context.Context) (*controller.Components, error) {
	job, err := a.Assemble(ctx)
	if err != nil {
		return nil, err
	}
	comps := &controller.Components{
		Frontier:    job.Frontier,
		Pool:        job.Pool,
		Checkpoints: job.Checkpoints,
		Finish: func(ctx context.Context) error {
			if err := job.History.Flush(ctx); err != nil {
				return fmt.Errorf("flush history: %w", err)
			}
			return nil
		},
		Release: func(context.Context) error {
			return job.Close()
		},
	}
	feeds, err := a.seedFeeds(ctx, job)
	if err != nil {
		_ = job.Close()
		return nil, err
	}
	comps.Feeds = feeds
	return comps, nil
}

// Assemble opens state, restores or seeds the frontier and builds the pool.
// On error everything opened so far is closed.
func (a *Assembler) Assemble(ctx context.Context) (job *Job, err error) {
	cfg := a.cfg
	logger := a.deps.Logger
	job = &Job{}
	defer func() {
		if err != nil {
			_ = job.Close()
			job = nil
		}
	}()

	dbCfg := badgerdb.DefaultConfig(cfg.History.Dir)
	if cfg.History.InMemory {
		dbCfg = badgerdb.InMemoryConfig()
	} else {
		dbCfg.GCInterval = cfg.History.GCInterval
		if cfg.History.GCDiscardRatio > 0 {
			dbCfg.GCDiscardRatio = cfg.History.GCDiscardRatio
		}
	}
	dbCfg.Logger = logger.Named("badger")
	job.DB, err = badgerdb.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open history environment: %w", err)
	}
	job.closers = append(job.closers, job.DB.Close)

	job.History = history.Open(job.DB, history.Config{
		BufferSize:    cfg.History.BufferSize,
		FlushInterval: cfg.History.FlushInterval,
	}, logger.Named("history"))
	job.closers = append(job.closers, job.History.Close)

	seen, err := a.seenFilter(ctx, job)
	if err != nil {
		return nil, err
	}

	job.Frontier = frontier.New(frontier.Config{
		Delay: crawler.DelayPolicy{
			Factor:            cfg.Frontier.DelayFactor,
			Min:               cfg.Frontier.MinDelay,
			Max:               cfg.Frontier.MaxDelay,
			RespectCrawlDelay: cfg.Frontier.RespectCrawlDelay,
			MaxCrawlDelay:     cfg.Frontier.MaxCrawlDelay,
		},
		Retry: crawler.NewExponentialRetryPolicy(
			cfg.Frontier.MaxRetries, cfg.Frontier.RetryBaseDelay, cfg.Frontier.RetryMaxDelay),
		QueueConcurrency: cfg.Frontier.QueueConcurrency,
		GlobalBudget:     cfg.Frontier.GlobalBudget,
		QueueBudget:      cfg.Frontier.QueueBudget,
		IdleConfirm:      cfg.Frontier.IdleConfirm,
		EvictIdle:        cfg.Frontier.EvictIdle,
	}, a.deps.Clock, seen, logger.Named("frontier"))

	job.Checkpoints, err = checkpoint.New(checkpoint.Config{
		Dir:    cfg.Checkpoint.Dir,
		Job:    cfg.App.Job,
		Mirror: a.deps.Mirror,
		Seeds: func() []string {
			if job.Scope == nil {
				return nil
			}
			return job.Scope.Seeds()
		},
	}, job.Frontier, job.History, a.deps.IDs, a.deps.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint service: %w", err)
	}

	if cfg.App.Recover != "" {
		meta, rerr := job.Checkpoints.Restore(ctx, cfg.App.Recover)
		if rerr != nil {
			return nil, fmt.Errorf("recover from checkpoint %s: %w", cfg.App.Recover, rerr)
		}
		job.Restored = &meta
	}

	seeds, err := a.seeds()
	if err != nil {
		return nil, err
	}
	job.Scope, err = decide.NewScope(decide.ScopeOptions{
		Seeds:              seeds,
		MaxHops:            cfg.Crawl.MaxHops,
		MaxTransHops:       cfg.Crawl.MaxTransHops,
		MaxSpeculativeHops: cfg.Crawl.MaxSpeculativeHops,
		MaxPathRepetitions: cfg.Crawl.MaxPathRepetitions,
		AcceptPatterns:     cfg.Crawl.AcceptPatterns,
		RejectPatterns:     cfg.Crawl.RejectPatterns,
		AllowedDomains:     cfg.Crawl.AllowedDomains,
		BlockedDomains:     cfg.Crawl.BlockedDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("build scope: %w", err)
	}
	if job.Restored != nil {
		for _, s := range job.Restored.Seeds {
			job.Scope.AddSeed(s)
		}
	}
	for _, s := range seeds {
		if job.Frontier.Schedule(ctx, crawler.NewSeed(s)) == frontier.Queued {
			job.Seeded++
		}
	}

	factory, err := a.workerFactory(job)
	if err != nil {
		return nil, err
	}
	job.Pool = dispatcher.New(job.Frontier, factory, dispatcher.Config{
		Workers:          cfg.Crawl.Workers,
		AbandonTimeout:   cfg.Stop.AbandonTimeout,
		ExhaustionWindow: cfg.Stop.ExhaustionWindow,
	}, logger.Named("dispatcher"))

	logger.Info("job assembled",
		zap.String("job", cfg.App.Job),
		zap.Int("seeds", job.Seeded),
		zap.Int("workers", cfg.Crawl.Workers),
		zap.Bool("restored", job.Restored != nil),
	)
	return job, nil
}

func (a *Assembler) seenFilter(ctx context.Context, job *Job) (frontier.SeenFilter, error) {
	if a.cfg.Frontier.Uniq != "redis" {
		return uniqmemory.New(), nil
	}
	f, err := uniqredis.New(ctx, uniqredis.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Prefix:   a.cfg.Redis.Prefix,
		TTL:      a.cfg.Redis.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect seen filter: %w", err)
	}
	job.closers = append(job.closers, f.Close)
	return f, nil
}

func (a *Assembler) workerFactory(job *Job) (dispatcher.WorkerFactory, error) {
	cfg := a.cfg
	logger := a.deps.Logger

	fetcher := a.deps.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Crawl.UserAgent,
			Timeout:     cfg.HTTP.Timeout,
			MaxBodySize: cfg.HTTP.MaxBodySize,
		})
	}
	robots := a.deps.Robots
	if robots == nil {
		client := &http.Client{
			Timeout:   cfg.HTTP.Timeout,
			Transport: collyfetcher.NewRobotsTransport(collyfetcher.NewTransport(), logger.Named("robots")),
		}
		robots = crawler.NewRobotsEnforcer(cfg.Crawl.RespectRobots, cfg.Crawl.UserAgent, client, logger.Named("robots"))
	}
	digester, err := crawler.NewContentDigester(sha256.New(), cfg.Crawl.DigestStripPattern, cfg.Crawl.MaxSizeToDigest)
	if err != nil {
		return nil, fmt.Errorf("build content digester: %w", err)
	}
	var blocker *crawler.HostBlocker
	if cfg.Crawl.HostBlockThreshold > 0 {
		blocker = crawler.NewHostBlocker(cfg.Crawl.HostBlockThreshold)
	}
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: cfg.HTTP.PerHostRPS,
		Burst:      cfg.HTTP.Burst,
		Overrides:  cfg.HTTP.HostRPS,
	})
	extractor := collyfetcher.NewExtractor()
	workerCfg := worker.Config{
		Load:        history.LoadPolicy{SkipPrerequisites: cfg.Crawl.SkipPrereqLoad},
		MaxOutlinks: cfg.Crawl.MaxOutlinks,
	}

	return func(i int) *worker.Worker {
		return worker.New(i, job.Frontier, job.Scope, job.History, fetcher, extractor,
			robots, limiter, digester, blocker, a.deps.Clock, workerCfg,
			logger.Named("worker").With(zap.Int("worker", i)))
	}, nil
}

// seedFeeds builds the external seed sources that are configured.
func (a *Assembler) seedFeeds(ctx context.Context, job *Job) ([]controller.Feed, error) {
	var feeds []controller.Feed
	if len(a.cfg.Kafka.Brokers) > 0 {
		f, err := kafkafeed.New(kafkafeed.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Topic:   a.cfg.Kafka.Topic,
			GroupID: a.cfg.Kafka.GroupID,
		}, job.Seeder(), a.deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka seed feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	if a.cfg.PubSub.SeedSubscription != "" {
		f, err := pubsubfeed.New(ctx, pubsubfeed.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			Subscription:   a.cfg.PubSub.SeedSubscription,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
		}, job.Seeder(), a.deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("create pubsub seed feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

// seeds returns configured seeds followed by those in the seed file.
func (a *Assembler) seeds() ([]string, error) {
	seeds := append([]string(nil), a.cfg.Crawl.Seeds...)
	if a.cfg.Crawl.SeedFile == "" {
		return seeds, nil
	}
	fromFile, err := ReadSeedFile(a.cfg.Crawl.SeedFile)
	if err != nil {
		return nil, err
	}
	return append(seeds, fromFile...), nil
}

// ReadSeedFile reads one URL per line. Blank lines and lines starting with
// # are skipped.
func ReadSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var seeds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return seeds, nil
}

// Seeder widens scope with a new seed and schedules it.
func (j *Job) Seeder() feed.Seeder {
	return feed.SeederFunc(func(ctx context.Context, rawURL string) frontier.Disposition {
		j.Scope.AddSeed(rawURL)
		return j.Frontier.Schedule(ctx, crawler.NewSeed(rawURL))
	})
}

// Close releases the job's state in reverse order of acquisition.
func (j *Job) Close() error {
	var errs []error
	for i := len(j.closers) - 1; i >= 0; i-- {
		if err := j.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	j.closers = nil
	return errors.Join(errs...)
}
