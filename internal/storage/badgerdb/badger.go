// Package badgerdb opens and maintains the embedded BadgerDB environment that
// backs the history store. Named databases inside one environment are modeled
// as key prefixes.
package badgerdb

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config controls how the environment is opened.
type Config struct {
	// Path is the environment directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, for tests and dry runs.
	InMemory bool
	// ReadOnly opens an existing environment without write access.
	ReadOnly bool
	// SyncWrites fsyncs every commit. Deferred-write mode leaves it off and
	// relies on explicit Sync before checkpoints.
	SyncWrites bool
	// GCInterval runs value-log GC periodically; 0 disables it.
	GCInterval time.Duration
	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
	Logger         *zap.Logger
}

// DefaultConfig returns read-write, deferred-write settings for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for an ephemeral environment.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB wraps a badger.DB with its GC runner.
type DB struct {
	*badger.DB
	gc       *GCRunner
	path     string
	inMemory bool
	readOnly bool
}

// Open opens the environment described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.ReadOnly:
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("stat database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(true)
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapLogger{logger: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	wrapped := &DB{DB: db, path: cfg.Path, inMemory: cfg.InMemory, readOnly: cfg.ReadOnly}
	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gc = runner
		runner.Start()
	}
	return wrapped, nil
}

// Path returns the environment directory ("" when in memory).
func (d *DB) Path() string { return d.path }

// ReadOnly reports whether the environment was opened read-only.
func (d *DB) ReadOnly() bool { return d.readOnly }

// Sync flushes committed writes to disk. It is a no-op in memory.
func (d *DB) Sync() error {
	if d.inMemory || d.readOnly {
		return nil
	}
	if err := d.DB.Sync(); err != nil {
		return fmt.Errorf("sync badger: %w", err)
	}
	return nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.Stop()
	}
	if err := d.DB.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// WithTxn runs fn in a read-write transaction and commits it.
func (d *DB) WithTxn(fn func(txn *badger.Txn) error) error {
	return d.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(fn func(txn *badger.Txn) error) error {
	return d.View(fn)
}

// IteratePrefix walks every key under prefix in key order. fn receives the
// key with the prefix removed; returning an error stops the walk.
func (d *DB) IteratePrefix(prefix []byte, fn func(key []byte, value []byte) error) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			if err := fn(item.KeyCopy(nil)[len(prefix):], value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GCRunner runs value-log garbage collection on an interval.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *zap.Logger
}

// NewGCRunner validates its arguments and builds a runner.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *zap.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start launches the GC loop.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts the loop and waits for it to exit.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("badger value log GC error", zap.Error(err))
			}
		}
	}
}

type zapLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *zapLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }
