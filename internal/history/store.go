package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/metrics"
	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("history record not found")

// ErrReadOnly is returned when writing to a store opened read-only.
var ErrReadOnly = errors.New("history store is read-only")

// Putter accepts records. Both Store and test doubles implement it.
type Putter interface {
	Put(ctx context.Context, key string, rec Record) error
}

// Config tunes the deferred writer.
type Config struct {
	// BufferSize bounds buffered writes; Put blocks once it is reached.
	BufferSize int
	// FlushInterval is how often buffered writes are committed.
	FlushInterval time.Duration

	// commit replaces the badger batch commit in tests.
	commit func(batch map[string]Record) error
}

// Store is the history store. Writes are buffered and committed in batches
// by a background flusher; Flush makes everything written so far durable.
type Store struct {
	db     *badgerdb.DB
	prefix []byte
	logger *zap.Logger

	commit func(batch map[string]Record) error
	slots  chan struct{}
	kick   chan chan error
	stop   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	pending  map[string]Record
	inflight map[string]Record
	held     int
	// failed holds the first flush error nobody has been told about yet.
	failed error

	closeOnce sync.Once
}

// Open wraps db in a Store and starts the flusher for writable stores.
func Open(db *badgerdb.DB, cfg Config, logger *zap.Logger) *Store {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:      db,
		prefix:  []byte(Namespace + "/"),
		logger:  logger,
		slots:   make(chan struct{}, cfg.BufferSize),
		kick:    make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]Record),
	}
	s.commit = s.commitBatch
	if cfg.commit != nil {
		s.commit = cfg.commit
	}
	if db.ReadOnly() {
		close(s.done)
		return s
	}
	go s.flushLoop(cfg.FlushInterval)
	return s
}

// DB exposes the underlying environment, for backup.
func (s *Store) DB() *badgerdb.DB {
	return s.db
}

// Put buffers rec under key. It blocks while the buffer is full, until the
// flusher frees room or ctx is done. If a background flush failed since the
// last Put or Flush, Put reports that failure once and does not buffer rec.
func (s *Store) Put(ctx context.Context, key string, rec Record) error {
	if s.db.ReadOnly() {
		return ErrReadOnly
	}
	select {
	case <-s.stop:
		return fmt.Errorf("history put %s: store closed", key)
	default:
	}
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("history put %s: %w", key, ctx.Err())
	case <-s.stop:
		return fmt.Errorf("history put %s: store closed", key)
	}
	s.mu.Lock()
	if err := s.takeFailureLocked(); err != nil {
		s.mu.Unlock()
		<-s.slots
		return fmt.Errorf("history put %s: %w", key, err)
	}
	s.pending[key] = rec
	s.held++
	full := s.held == cap(s.slots)
	s.mu.Unlock()
	if full {
		go s.requestFlush()
	}
	return nil
}

// Get returns the newest record for key, buffered or committed.
func (s *Store) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	if rec, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	if rec, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	var rec Record
	err := s.db.WithReadTxn(func(txn *badger.Txn) error {
		item, err := txn.Get(s.dbKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, derr := DecodeRecord(val)
			rec = decoded
			return derr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("history get %s: %w", key, err)
	}
	return rec, nil
}

// Walk visits every committed record in key order. Call Flush first to
// include buffered writes.
func (s *Store) Walk(fn func(key string, rec Record) error) error {
	return s.db.IteratePrefix(s.prefix, func(key, value []byte) error {
		rec, err := DecodeRecord(value)
		if err != nil {
			return fmt.Errorf("history walk %s: %w", key, err)
		}
		return fn(string(key), rec)
	})
}

// Count returns the number of committed records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.Walk(func(string, Record) error {
		n++
		return nil
	})
	return n, err
}

// Flush commits buffered writes and syncs them to disk. It also reports a
// failed background flush that Put has not reported yet.
func (s *Store) Flush(ctx context.Context) error {
	if s.db.ReadOnly() {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case s.kick <- reply:
	case <-s.done:
		return errors.New("history flush: store closed")
	case <-ctx.Done():
		return fmt.Errorf("history flush: %w", ctx.Err())
	}
	select {
	case <-reply:
		return s.takeFailure()
	case <-ctx.Done():
		return fmt.Errorf("history flush: %w", ctx.Err())
	}
}

// Backup flushes buffered writes and streams a full badger backup of the
// environment to w.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("history backup: %w", err)
	}
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("history backup: %w", err)
	}
	return nil
}

// Load merges a backup written by Backup into the store. It is meant for a
// fresh store at recovery time.
func (s *Store) Load(r io.Reader) error {
	if s.db.ReadOnly() {
		return ErrReadOnly
	}
	if err := s.db.Load(r, 256); err != nil {
		return fmt.Errorf("history load: %w", err)
	}
	return nil
}

// Close flushes outstanding writes and stops the flusher. The underlying DB
// stays open; its owner closes it.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.db.ReadOnly() {
			return
		}
		close(s.stop)
		<-s.done
		_ = s.flush()
		err = s.takeFailure()
	})
	return err
}

func (s *Store) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFailureLocked()
}

func (s *Store) takeFailureLocked() error {
	err := s.failed
	s.failed = nil
	return err
}

func (s *Store) requestFlush() {
	reply := make(chan error, 1)
	select {
	case s.kick <- reply:
		<-reply
	case <-s.done:
	}
}

func (s *Store) flushLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.flush()
		case reply := <-s.kick:
			reply <- s.flush()
		}
	}
}

func (s *Store) flush() error {
	s.mu.Lock()
	batch := s.pending
	held := s.held
	s.pending = make(map[string]Record, len(batch))
	s.inflight = batch
	s.held = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		for i := 0; i < held; i++ {
			<-s.slots
		}
	}()

	var err error
	if len(batch) == 0 {
		err = s.db.Sync()
	} else {
		err = s.commit(batch)
		metrics.ObserveHistoryFlush(len(batch), err)
	}
	if err != nil {
		s.logger.Error("history flush failed", zap.Int("records", len(batch)), zap.Error(err))
		s.mu.Lock()
		if s.failed == nil {
			s.failed = err
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Store) commitBatch(batch map[string]Record) error {
	wb := s.db.NewWriteBatch()
	for key, rec := range batch {
		data, err := EncodeRecord(rec)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("history flush %s: %w", key, err)
		}
		if err := wb.Set(s.dbKey(key), data); err != nil {
			wb.Cancel()
			return fmt.Errorf("history batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("history batch commit: %w", err)
	}
	return s.db.Sync()
}

func (s *Store) dbKey(key string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	return append(out, key...)
}
