// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config captures all service configuration knobs loaded via Viper. It is
// built once and passed by value.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	History    HistoryConfig    `mapstructure:"history"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Stop       StopConfig       `mapstructure:"stop"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	API        APIConfig        `mapstructure:"api"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig names the job and where it keeps its state.
type AppConfig struct {
	Job string `mapstructure:"job"`
	// JobDir holds the job log, history environment and checkpoints unless
	// those are configured explicitly.
	JobDir string `mapstructure:"job_dir"`
	// Recover names a checkpoint to restore on build, or "latest".
	Recover string `mapstructure:"recover"`
}

// CrawlConfig governs scope, seeds and the worker pool.
type CrawlConfig struct {
	Seeds              []string `mapstructure:"seeds"`
	SeedFile           string   `mapstructure:"seed_file"`
	Workers            int      `mapstructure:"workers"`
	MaxHops            int      `mapstructure:"max_hops"`
	MaxTransHops       int      `mapstructure:"max_trans_hops"`
	MaxSpeculativeHops int      `mapstructure:"max_speculative_hops"`
	MaxPathRepetitions int      `mapstructure:"max_path_repetitions"`
	MaxOutlinks        int      `mapstructure:"max_outlinks"`
	AcceptPatterns     []string `mapstructure:"accept_patterns"`
	RejectPatterns     []string `mapstructure:"reject_patterns"`
	AllowedDomains     []string `mapstructure:"allowed_domains"`
	BlockedDomains     []string `mapstructure:"blocked_domains"`
	UserAgent          string   `mapstructure:"user_agent"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
	// HostBlockThreshold blocks a host after this many 403/429 answers. Zero disables.
	HostBlockThreshold int `mapstructure:"host_block_threshold"`
	// DigestStripPattern is removed from text bodies before digesting.
	DigestStripPattern string `mapstructure:"digest_strip_pattern"`
	MaxSizeToDigest    int    `mapstructure:"max_size_to_digest"`
	// Continuous keeps the crawl running on an empty frontier.
	Continuous     bool          `mapstructure:"continuous"`
	MaxDocuments   int64         `mapstructure:"max_documents"`
	MaxRunTime     time.Duration `mapstructure:"max_run_time"`
	SkipPrereqLoad bool          `mapstructure:"skip_prerequisite_history"`
}

// FrontierConfig controls politeness, retries and budgets.
type FrontierConfig struct {
	DelayFactor       float64       `mapstructure:"delay_factor"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RespectCrawlDelay bool          `mapstructure:"respect_crawl_delay"`
	MaxCrawlDelay     time.Duration `mapstructure:"max_crawl_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	QueueConcurrency  int           `mapstructure:"queue_concurrency"`
	GlobalBudget      int64         `mapstructure:"global_budget"`
	QueueBudget       int64         `mapstructure:"queue_budget"`
	IdleConfirm       time.Duration `mapstructure:"idle_confirm"`
	// EvictIdle forgets queues left empty this long. Zero keeps them all.
	EvictIdle time.Duration `mapstructure:"evict_idle"`
	// Uniq selects the already-included filter: memory or redis.
	Uniq string `mapstructure:"uniq"`
}

// HistoryConfig controls the badger-backed history store.
type HistoryConfig struct {
	Dir            string        `mapstructure:"dir"`
	InMemory       bool          `mapstructure:"in_memory"`
	BufferSize     int           `mapstructure:"buffer_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
	GCDiscardRatio float64       `mapstructure:"gc_discard_ratio"`
}

// CheckpointConfig controls checkpoint placement and mirroring.
type CheckpointConfig struct {
	Dir          string        `mapstructure:"dir"`
	Interval     time.Duration `mapstructure:"interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// Backend mirrors checkpoints to local, gcs or memory. Empty disables mirroring.
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// StopConfig controls shutdown.
type StopConfig struct {
	AbandonTimeout   time.Duration `mapstructure:"abandon_timeout"`
	ExhaustionWindow time.Duration `mapstructure:"exhaustion_window"`
}

// ProgressConfig controls the event hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	JobLogPath     string        `mapstructure:"job_log_path"`
	// Sinks lists enabled sinks: joblog, log, prometheus, store, publish.
	Sinks []string `mapstructure:"sinks"`
}

// PostgresConfig configures the lifecycle event repository.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	EventsTable     string        `mapstructure:"events_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for crawl state notifications and the
// optional seed subscription.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SeedSubscription string `mapstructure:"seed_subscription"`
	MaxOutstanding   int    `mapstructure:"max_outstanding"`
}

// KafkaConfig configures the seed feed.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// RedisConfig configures the distributed already-included filter.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures fetching.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
	PerHostRPS  float64       `mapstructure:"per_host_rps"`
	Burst       int           `mapstructure:"burst"`
	// HostRPS overrides PerHostRPS for individual hosts.
	HostRPS map[string]float64 `mapstructure:"host_rps"`
}

// APIConfig controls the control surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.job", "crawl")
	v.SetDefault("app.job_dir", "jobs/crawl")

	v.SetDefault("crawl.workers", 25)
	v.SetDefault("crawl.max_hops", 20)
	v.SetDefault("crawl.max_trans_hops", 2)
	v.SetDefault("crawl.max_speculative_hops", 1)
	v.SetDefault("crawl.max_path_repetitions", 2)
	v.SetDefault("crawl.max_outlinks", 6000)
	v.SetDefault("crawl.user_agent", "continuous-crawler/1.0 (+https://github.com/JakeFAU/continuous-crawler)")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.host_block_threshold", 0)
	v.SetDefault("crawl.max_size_to_digest", 1<<20)

	v.SetDefault("frontier.delay_factor", 5.0)
	v.SetDefault("frontier.min_delay", "3s")
	v.SetDefault("frontier.max_delay", "30s")
	v.SetDefault("frontier.respect_crawl_delay", true)
	v.SetDefault("frontier.max_crawl_delay", "300s")
	v.SetDefault("frontier.max_retries", 30)
	v.SetDefault("frontier.retry_base_delay", "15s")
	v.SetDefault("frontier.retry_max_delay", "15m")
	v.SetDefault("frontier.queue_concurrency", 1)
	v.SetDefault("frontier.idle_confirm", "2s")
	v.SetDefault("frontier.evict_idle", "10m")
	v.SetDefault("frontier.uniq", "memory")

	v.SetDefault("history.buffer_size", 1000)
	v.SetDefault("history.flush_interval", "5s")
	v.SetDefault("history.gc_interval", "5m")
	v.SetDefault("history.gc_discard_ratio", 0.5)

	v.SetDefault("checkpoint.drain_timeout", "1m")

	v.SetDefault("stop.abandon_timeout", "30s")
	v.SetDefault("stop.exhaustion_window", "5s")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.sinks", []string{"joblog", "log", "prometheus"})

	v.SetDefault("postgres.runs_table", "crawl_runs")
	v.SetDefault("postgres.events_table", "crawl_events")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.max_conn_lifetime", "30m")

	v.SetDefault("kafka.group_id", "continuous-crawler")

	v.SetDefault("redis.prefix", "crawl:seen:")

	v.SetDefault("http.timeout", "20s")
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.burst", 1)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("telemetry.service_name", "continuous-crawler")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.development", true)
}

// applyDerived fills paths that default to locations under the job dir.
func (c *Config) applyDerived() {
	if c.Progress.JobLogPath == "" {
		c.Progress.JobLogPath = filepath.Join(c.App.JobDir, "logs", "job.log")
	}
	if c.History.Dir == "" {
		c.History.Dir = filepath.Join(c.App.JobDir, "state")
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.App.JobDir, "checkpoints")
	}
}

// Validate enforces required values and reasonable limits. Every problem is
// reported; each wraps ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(c.App.Job) == "" {
		fail("app.job is required")
	}
	if c.Crawl.Workers <= 0 {
		fail("crawl.workers must be > 0")
	}
	if c.Crawl.MaxHops < 0 {
		fail("crawl.max_hops must be >= 0")
	}
	for _, seed := range c.Crawl.Seeds {
		u, err := url.Parse(strings.TrimSpace(seed))
		if err != nil || u.Host == "" {
			fail("crawl.seeds: %q is not an absolute URL", seed)
		}
	}
	for _, p := range append(append([]string{}, c.Crawl.AcceptPatterns...), c.Crawl.RejectPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			fail("crawl pattern %q: %v", p, err)
		}
	}
	if c.Crawl.DigestStripPattern != "" {
		if _, err := regexp.Compile(c.Crawl.DigestStripPattern); err != nil {
			fail("crawl.digest_strip_pattern: %v", err)
		}
	}
	if c.Crawl.MaxDocuments < 0 {
		fail("crawl.max_documents must be >= 0")
	}
	if c.Frontier.MinDelay < 0 || c.Frontier.MaxDelay < c.Frontier.MinDelay {
		fail("frontier delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Frontier.QueueConcurrency <= 0 {
		fail("frontier.queue_concurrency must be > 0")
	}
	if c.Frontier.GlobalBudget < 0 || c.Frontier.QueueBudget < 0 {
		fail("frontier budgets must be >= 0")
	}
	switch c.Frontier.Uniq {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			fail("redis.addr is required when frontier.uniq is redis")
		}
	default:
		fail("frontier.uniq must be memory or redis, got %q", c.Frontier.Uniq)
	}
	if !c.History.InMemory && c.History.Dir == "" {
		fail("history.dir is required")
	}
	if c.History.BufferSize <= 0 {
		fail("history.buffer_size must be > 0")
	}
	switch c.Checkpoint.Backend {
	case "", "memory":
	case "local":
		if c.Checkpoint.LocalDir == "" {
			fail("checkpoint.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Checkpoint.Bucket == "" {
			fail("checkpoint.bucket is required for the gcs backend")
		}
	default:
		fail("checkpoint.backend must be local, gcs or memory, got %q", c.Checkpoint.Backend)
	}
	for _, sink := range c.Progress.Sinks {
		switch sink {
		case "joblog", "log", "prometheus":
		case "store":
			if c.Postgres.DSN == "" {
				fail("postgres.dsn is required for the store sink")
			}
		case "publish":
			if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
				fail("pubsub.project_id and pubsub.topic_name are required for the publish sink")
			}
		default:
			fail("unknown progress sink %q", sink)
		}
	}
	if c.PubSub.SeedSubscription != "" && c.PubSub.ProjectID == "" {
		fail("pubsub.project_id is required for the seed subscription")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		fail("kafka.topic is required when brokers are set")
	}
	if c.HTTP.Timeout <= 0 {
		fail("http.timeout must be > 0")
	}
	if c.API.Enabled && c.API.Addr == "" {
		fail("api.addr is required when the api is enabled")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		fail("telemetry.exporter must be none or stdout, got %q", c.Telemetry.Exporter)
	}
	return errors.Join(errs...)
}

// HasProgressSink reports whether name is an enabled progress sink.
func (c Config) HasProgressSink(name string) bool {
	for _, s := range c.Progress.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
