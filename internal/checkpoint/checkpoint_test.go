package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/continuous-crawler/internal/clock/system"
	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/history"
	"github.com/JakeFAU/continuous-crawler/internal/id/uuid"
	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
	blobmemory "github.com/JakeFAU/continuous-crawler/internal/storage/memory"
	"github.com/JakeFAU/continuous-crawler/internal/uniq/memory"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	backup    []byte
	backupErr error
	loaded    []byte
}

func (f *fakeHistory) Backup(_ context.Context, w io.Writer) error {
	if f.backupErr != nil {
		return f.backupErr
	}
	_, err := w.Write(f.backup)
	return err
}

func (f *fakeHistory) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	f.loaded = data
	return err
}

func newFrontier(t *testing.T, clock crawler.Clock) *frontier.Frontier {
	t.Helper()
	return frontier.New(frontier.Config{}, clock, memory.New(), zaptest.NewLogger(t))
}

func newHistory(t *testing.T) *history.Store {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	store := history.Open(db, history.Config{BufferSize: 16, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	t.Cleanup(func() {
		require.NoError(t, store.Close())
		require.NoError(t, db.Close())
	})
	return store
}

func newService(t *testing.T, cfg Config, f Frontier, h History, clock crawler.Clock) *Service {
	t.Helper()
	if cfg.Job == "" {
		cfg.Job = "test-job"
	}
	svc, err := New(cfg, f, h, uuid.NewUUIDGenerator(), clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func schedule(t *testing.T, f *frontier.Frontier, urls ...string) {
	t.Helper()
	for _, u := range urls {
		require.Equal(t, frontier.Queued, f.Schedule(context.Background(), &crawler.CrawlURI{URL: u}))
	}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)

	src := newFrontier(t, clock)
	schedule(t, src, "http://a.example/1", "http://a.example/2", "http://b.example/1")
	hist := newHistory(t)
	rec := history.Record{Digest: "sha1:ABC", Status: 200, ETag: `"v1"`}
	require.NoError(t, hist.Put(ctx, "com,example,a,)/1", rec))

	svc := newService(t, Config{Dir: dir}, src, hist, clock)
	meta, err := svc.Create(ctx, Request{RunID: "run-1", Phase: "RUNNING"})
	require.NoError(t, err)

	assert.Equal(t, "cp00001-20240301120000", meta.Name)
	assert.Equal(t, 1, meta.Sequence)
	assert.Equal(t, "test-job", meta.Job)
	assert.Equal(t, "run-1", meta.RunID)
	assert.Equal(t, 3, meta.Pending)
	require.Len(t, meta.Artifacts, 2)
	for _, art := range meta.Artifacts {
		assert.Positive(t, art.Bytes, art.Name)
		assert.Len(t, art.SHA256, 64, art.Name)
	}
	assert.Equal(t, []string{meta.Name}, dirNames(t, dir), "no staging directory is left behind")
	assert.FileExists(t, filepath.Join(dir, meta.Name, metadataFile))

	dst := newFrontier(t, clock)
	fresh := newHistory(t)
	restorer := newService(t, Config{Dir: dir}, dst, fresh, clock)
	got, err := restorer.Restore(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)

	assert.Equal(t, 3, dst.Stats().Queued)
	assert.Equal(t, frontier.Duplicate, dst.Schedule(ctx, &crawler.CrawlURI{URL: "http://a.example/1"}),
		"seen filter is restored")
	loaded, err := fresh.Get(ctx, "com,example,a,)/1")
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)
}

func TestCreateIncrementsSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)
	f := newFrontier(t, clock)
	svc := newService(t, Config{Dir: dir}, f, &fakeHistory{backup: []byte("h")}, clock)

	first, err := svc.Create(ctx, Request{Phase: "RUNNING"})
	require.NoError(t, err)
	clock.Advance(90 * time.Second)
	second, err := svc.Create(ctx, Request{Phase: "PAUSED"})
	require.NoError(t, err)

	assert.Equal(t, "cp00001-20240301120000", first.Name)
	assert.Equal(t, "cp00002-20240301120130", second.Name)
	assert.NotEqual(t, first.ID, second.ID)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.Name, all[0].Name)
	assert.Equal(t, "PAUSED", all[1].Phase)

	latest, err := svc.Load(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, second.Name, latest.Name)
}

func TestCreateFailureLeavesPriorState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)
	hist := &fakeHistory{backup: []byte("h")}
	svc := newService(t, Config{Dir: dir}, newFrontier(t, clock), hist, clock)

	prior, err := svc.Create(ctx, Request{Phase: "RUNNING"})
	require.NoError(t, err)

	hist.backupErr = errors.New("disk full")
	_, err = svc.Create(ctx, Request{Phase: "RUNNING"})
	require.ErrorContains(t, err, "disk full")

	assert.Equal(t, []string{prior.Name}, dirNames(t, dir))
	latest, err := svc.Load(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, prior.Name, latest.Name)
}

func TestMirrorFailureLeavesNoCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)
	svc := newService(t, Config{Dir: dir, Mirror: failingMirror{}}, newFrontier(t, clock), &fakeHistory{}, clock)

	_, err := svc.Create(ctx, Request{Phase: "RUNNING"})
	require.ErrorContains(t, err, "mirror checkpoint")
	assert.Empty(t, dirNames(t, dir))
}

type failingMirror struct{ *blobmemory.BlobStore }

func (failingMirror) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestRestoreFromMirror(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(epoch)
	mirror := blobmemory.NewBlobStore()

	src := newFrontier(t, clock)
	schedule(t, src, "http://a.example/1")
	writer := newService(t, Config{Dir: t.TempDir(), Mirror: mirror}, src, &fakeHistory{backup: []byte("history-bytes")}, clock)
	meta, err := writer.Create(ctx, Request{Phase: "RUNNING"})
	require.NoError(t, err)
	for _, art := range meta.Artifacts {
		assert.Contains(t, art.URI, "memory://", art.Name)
	}
	assert.Equal(t, 3, mirror.Len())

	dir := t.TempDir()
	dst := newFrontier(t, clock)
	hist := &fakeHistory{}
	reader := newService(t, Config{Dir: dir, Mirror: mirror}, dst, hist, clock)

	all, err := reader.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, meta.Name, all[0].Name)

	_, err = reader.Restore(ctx, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, []byte("history-bytes"), hist.loaded)
	assert.Equal(t, 1, dst.Stats().Queued)
	assert.DirExists(t, filepath.Join(dir, meta.Name), "downloaded copy is kept locally")
}

func TestRestoreRejectsCorruptArtifact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)
	svc := newService(t, Config{Dir: dir}, newFrontier(t, clock), &fakeHistory{backup: []byte("h")}, clock)
	meta, err := svc.Create(ctx, Request{Phase: "RUNNING"})
	require.NoError(t, err)

	path := filepath.Join(dir, meta.Name, historyFile)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 4), 0o640))

	hist := &fakeHistory{}
	restorer := newService(t, Config{Dir: dir}, newFrontier(t, clock), hist, clock)
	_, err = restorer.Restore(ctx, meta.Name)
	require.ErrorContains(t, err, "corrupt")
	assert.Nil(t, hist.loaded)
}

func TestLoadNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(epoch)
	svc := newService(t, Config{Dir: t.TempDir(), Mirror: blobmemory.NewBlobStore()}, newFrontier(t, clock), &fakeHistory{}, clock)

	_, err := svc.Load(ctx, Latest)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Load(ctx, "cp00007-20240101000000")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Load(ctx, "../etc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	clock := system.NewManual(epoch)
	_, err := New(Config{}, newFrontier(t, clock), &fakeHistory{}, uuid.NewUUIDGenerator(), clock, nil)
	require.Error(t, err)
	_, err = New(Config{Dir: t.TempDir()}, nil, &fakeHistory{}, uuid.NewUUIDGenerator(), clock, nil)
	require.Error(t, err)
}

func TestCatalogListsButCannotWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	clock := system.NewManual(epoch)

	src := newFrontier(t, clock)
	schedule(t, src, "http://a.example/1")
	svc := newService(t, Config{Dir: dir, Seeds: func() []string { return []string{"http://a.example/"} }},
		src, &fakeHistory{}, clock)
	meta, err := svc.Create(ctx, Request{Phase: "PAUSED"})
	require.NoError(t, err)

	catalog, err := NewCatalog(Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	all, err := catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, meta.Name, all[0].Name)
	assert.Equal(t, []string{"http://a.example/"}, all[0].Seeds)

	_, err = catalog.Create(ctx, Request{})
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = catalog.Restore(ctx, Latest)
	require.ErrorIs(t, err, ErrReadOnly)
}
