package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
app:
  job: weekly
  job_dir: /var/crawl/weekly
crawl:
  seeds: ["https://example.com/", "https://example.org/start"]
  workers: 6
  max_hops: 3
  reject_patterns: ['.*\.pdf$']
  respect_robots: false
frontier:
  min_delay: 500ms
  max_delay: 10s
  global_budget: 1000
checkpoint:
  interval: 1h
  backend: gcs
  bucket: crawl-checkpoints
progress:
  sinks: [joblog, publish]
pubsub:
  project_id: proj
  topic_name: crawl-state
kafka:
  brokers: ["localhost:9092"]
  topic: seeds
http:
  timeout: 45s
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Job != "weekly" {
		t.Fatalf("expected job weekly, got %q", cfg.App.Job)
	}
	if len(cfg.Crawl.Seeds) != 2 || cfg.Crawl.Workers != 6 || cfg.Crawl.RespectRobots {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Frontier.MinDelay != 500*time.Millisecond || cfg.Frontier.MaxDelay != 10*time.Second {
		t.Fatalf("expected delay durations to decode: %+v", cfg.Frontier)
	}
	if cfg.Frontier.MaxRetries != 30 {
		t.Fatalf("expected default max retries, got %d", cfg.Frontier.MaxRetries)
	}
	if cfg.Checkpoint.Interval != time.Hour || cfg.Checkpoint.Backend != "gcs" {
		t.Fatalf("expected checkpoint overrides: %+v", cfg.Checkpoint)
	}
	if got, want := cfg.Progress.JobLogPath, filepath.Join("/var/crawl/weekly", "logs", "job.log"); got != want {
		t.Fatalf("expected job log %q, got %q", want, got)
	}
	if got, want := cfg.History.Dir, filepath.Join("/var/crawl/weekly", "state"); got != want {
		t.Fatalf("expected history dir %q, got %q", want, got)
	}
	if !cfg.HasProgressSink("publish") || cfg.HasProgressSink("store") {
		t.Fatalf("unexpected sinks: %v", cfg.Progress.Sinks)
	}
	if cfg.HTTP.Timeout != 45*time.Second {
		t.Fatalf("expected http timeout 45s, got %v", cfg.HTTP.Timeout)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.Workers != 25 || cfg.Frontier.Uniq != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Checkpoint.Dir != filepath.Join("jobs/crawl", "checkpoints") {
		t.Fatalf("unexpected checkpoint dir %q", cfg.Checkpoint.Dir)
	}
	if cfg.Frontier.EvictIdle != 10*time.Minute {
		t.Fatalf("unexpected evict idle %v", cfg.Frontier.EvictIdle)
	}
	if cfg.Checkpoint.DrainTimeout != time.Minute {
		t.Fatalf("unexpected drain timeout %v", cfg.Checkpoint.DrainTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func validConfig() Config {
	return Config{
		App:      AppConfig{Job: "job"},
		Crawl:    CrawlConfig{Workers: 1},
		Frontier: FrontierConfig{QueueConcurrency: 1, Uniq: "memory", MaxDelay: time.Second},
		History:  HistoryConfig{Dir: "state", BufferSize: 10},
		HTTP:     HTTPConfig{Timeout: time.Second},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid base config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing job", func(c *Config) { c.App.Job = " " }, "app.job"},
		{"no workers", func(c *Config) { c.Crawl.Workers = 0 }, "crawl.workers"},
		{"relative seed", func(c *Config) { c.Crawl.Seeds = []string{"/about"} }, "crawl.seeds"},
		{"bad pattern", func(c *Config) { c.Crawl.RejectPatterns = []string{"("} }, "crawl pattern"},
		{"bad digest pattern", func(c *Config) { c.Crawl.DigestStripPattern = "[" }, "digest_strip_pattern"},
		{"inverted delays", func(c *Config) { c.Frontier.MinDelay = 2 * time.Second }, "min_delay"},
		{"redis without addr", func(c *Config) { c.Frontier.Uniq = "redis" }, "redis.addr"},
		{"unknown uniq", func(c *Config) { c.Frontier.Uniq = "bloom" }, "frontier.uniq"},
		{"gcs without bucket", func(c *Config) { c.Checkpoint.Backend = "gcs" }, "checkpoint.bucket"},
		{"store sink without dsn", func(c *Config) { c.Progress.Sinks = []string{"store"} }, "postgres.dsn"},
		{"unknown sink", func(c *Config) { c.Progress.Sinks = []string{"email"} }, "unknown progress sink"},
		{"seed subscription without project", func(c *Config) { c.PubSub.SeedSubscription = "seeds" }, "pubsub.project_id"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"b:9092"} }, "kafka.topic"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"api without addr", func(c *Config) { c.API.Enabled = true }, "api.addr"},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "jaeger" }, "telemetry.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Crawl.Workers = 0
	cfg.HTTP.Timeout = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"crawl.workers", "http.timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
