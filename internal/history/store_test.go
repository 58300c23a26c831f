package history

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
)

func newMemoryStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	store := Open(db, cfg, zap.NewNop())
	t.Cleanup(func() {
		require.NoError(t, store.Close())
		require.NoError(t, db.Close())
	})
	return store
}

func TestStorePutGetBufferedAndCommitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t, Config{BufferSize: 16, FlushInterval: time.Hour})

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	rec := Record{Digest: "d1", Status: 200}
	require.NoError(t, store.Put(ctx, "k1", rec))
	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rec, got, "buffered write is visible")

	n, err := store.Count()
	require.NoError(t, err)
	require.Zero(t, n, "nothing committed before flush")

	require.NoError(t, store.Flush(ctx))
	n, err = store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec2 := Record{Digest: "d2", Status: 200}
	require.NoError(t, store.Put(ctx, "k1", rec2))
	require.NoError(t, store.Flush(ctx))
	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rec2, got, "one record per key")
}

func TestStoreBackpressureReleasesAfterFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t, Config{BufferSize: 2, FlushInterval: time.Hour})

	var written atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := store.Put(ctx, string(rune('a'+i)), Record{Status: 200}); err != nil {
				return
			}
			written.Add(1)
		}
	}()

	require.Eventually(t, func() bool { return written.Load() == 10 }, 5*time.Second, 10*time.Millisecond)
	<-done
	require.NoError(t, store.Flush(ctx))
	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestStoreWalkInKeyOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore(t, Config{})

	for _, k := range []string{"http://(org,b,)/", "http://(com,a,)/", "http://(org,a,)/"} {
		require.NoError(t, store.Put(ctx, k, Record{Status: 200}))
	}
	require.NoError(t, store.Flush(ctx))

	var keys []string
	require.NoError(t, store.Walk(func(key string, _ Record) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"http://(com,a,)/", "http://(org,a,)/", "http://(org,b,)/"}, keys)
}

func TestStoreCloseFlushes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := badgerdb.Open(badgerdb.DefaultConfig(dir))
	require.NoError(t, err)
	store := Open(db, Config{FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, store.Put(ctx, "k", Record{Digest: "x", Status: 200}))
	require.NoError(t, store.Close())
	require.Error(t, store.Put(ctx, "k2", Record{}))
	require.NoError(t, db.Close())

	cfg := badgerdb.DefaultConfig(dir)
	cfg.ReadOnly = true
	ro, err := badgerdb.Open(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, ro.Close()) }()
	reader := Open(ro, Config{}, nil)
	got, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "x", got.Digest)
	require.ErrorIs(t, reader.Put(ctx, "k", Record{}), ErrReadOnly)
}

func TestStoreBackupLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newMemoryStore(t, Config{FlushInterval: time.Hour})
	require.NoError(t, src.Put(ctx, "com,example,)/a", Record{Digest: "da", Status: 200}))
	require.NoError(t, src.Put(ctx, "com,example,)/b", Record{Digest: "db", ETag: `"v1"`, Status: 200}))

	var buf bytes.Buffer
	require.NoError(t, src.Backup(ctx, &buf), "backup flushes buffered writes first")

	dst := newMemoryStore(t, Config{FlushInterval: time.Hour})
	require.NoError(t, dst.Load(&buf))
	n, err := dst.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	got, err := dst.Get(ctx, "com,example,)/b")
	require.NoError(t, err)
	require.Equal(t, `"v1"`, got.ETag)
}

// newFlakyStore opens an in-memory store whose failOn-th batch commit fails.
func newFlakyStore(t *testing.T, cfg Config, failOn int64) *Store {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	var store *Store
	var commits atomic.Int64
	cfg.commit = func(batch map[string]Record) error {
		if commits.Add(1) == failOn {
			return errors.New("disk full")
		}
		return store.commitBatch(batch)
	}
	store = Open(db, cfg, zap.NewNop())
	t.Cleanup(func() {
		_ = store.Close()
		require.NoError(t, db.Close())
	})
	return store
}

func TestStoreFlushErrorReportedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFlakyStore(t, Config{FlushInterval: time.Hour}, 1)

	require.NoError(t, store.Put(ctx, "a", Record{Status: 200}))
	require.ErrorContains(t, store.Flush(ctx), "disk full")
	require.NoError(t, store.Flush(ctx))

	require.NoError(t, store.Put(ctx, "b", Record{Status: 200}))
	require.NoError(t, store.Flush(ctx))
	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStoreBackgroundFlushErrorFailsNextPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFlakyStore(t, Config{BufferSize: 2, FlushInterval: time.Hour}, 1)

	require.NoError(t, store.Put(ctx, "a", Record{Status: 200}))
	require.NoError(t, store.Put(ctx, "b", Record{Status: 200}))
	// The buffer is full, so this Put waits for the failed flush to free it.
	require.ErrorContains(t, store.Put(ctx, "c", Record{Status: 200}), "disk full")

	require.NoError(t, store.Put(ctx, "d", Record{Status: 200}))
	require.NoError(t, store.Flush(ctx))
	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
