package history

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
)

func snapshot(t *testing.T, s *Store) map[string]Record {
	t.Helper()
	require.NoError(t, s.Flush(context.Background()))
	out := map[string]Record{}
	require.NoError(t, s.Walk(func(key string, rec Record) error {
		out[key] = rec
		return nil
	}))
	return out
}

func seedStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "http://(org,example,)/", Record{Digest: "sha256:A", ETag: `"1"`, ReferenceLength: 10, Status: 200}))
	require.NoError(t, s.Put(ctx, "http://(org,example,)/About", Record{Digest: "sha256:B", LastModified: "then", ReferenceLength: 20, Status: 200}))
	require.NoError(t, s.Put(ctx, "https://(net,other,)/x?y=1", Record{Digest: "sha256:C", ReferenceLength: 0, Status: 404}))
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemoryStore(t, Config{})
	seedStore(t, source)

	var buf bytes.Buffer
	n, err := Export(ctx, source, &buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	target := newMemoryStore(t, Config{})
	res, err := ImportFromLog(ctx, &buf, target, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, ImportResult{Imported: 3}, res)
	require.Equal(t, snapshot(t, source), snapshot(t, target))
}

func TestImportIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := newMemoryStore(t, Config{})
	seedStore(t, source)
	var buf bytes.Buffer
	_, err := Export(ctx, source, &buf)
	require.NoError(t, err)
	log := buf.String()

	once := newMemoryStore(t, Config{})
	_, err = ImportFromLog(ctx, strings.NewReader(log), once, nil)
	require.NoError(t, err)

	twice := newMemoryStore(t, Config{})
	_, err = ImportFromLog(ctx, strings.NewReader(log), twice, nil)
	require.NoError(t, err)
	_, err = ImportFromLog(ctx, strings.NewReader(log), twice, nil)
	require.NoError(t, err)

	require.Equal(t, snapshot(t, once), snapshot(t, twice))
}

func TestImportLastWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first, err := FormatLine("k", Record{Digest: "old", Status: 200})
	require.NoError(t, err)
	second, err := FormatLine("k", Record{Digest: "new", Status: 200})
	require.NoError(t, err)

	target := newMemoryStore(t, Config{})
	res, err := ImportFromLog(ctx, strings.NewReader(first+"\n"+second+"\n"), target, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Imported)
	got, err := target.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "new", got.Digest)
}

func TestImportSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var lines []string
	for _, key := range []string{"a", "b", "c"} {
		line, err := FormatLine(key, Record{Status: 200})
		require.NoError(t, err)
		lines = append(lines, line)
	}
	malformed := []string{"garbage", "a b c", "key %%%", "key e30K!"}
	input := strings.Join([]string{
		lines[0], malformed[0], "", lines[1], malformed[1], "   ", malformed[2], lines[2], malformed[3],
	}, "\n")

	core, logs := observer.New(zapcore.WarnLevel)
	target := newMemoryStore(t, Config{})
	res, err := ImportFromLog(ctx, strings.NewReader(input), target, zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)
	require.Equal(t, len(malformed), res.Skipped)
	require.Equal(t, len(malformed), logs.FilterMessage("bad history line").Len())
	require.Len(t, snapshot(t, target), 3)
}

type failingPutter struct {
	failAfter int
	puts      int
}

func (f *failingPutter) Put(context.Context, string, Record) error {
	if f.puts >= f.failAfter {
		return errors.New("disk full")
	}
	f.puts++
	return nil
}

func TestImportReportsPartialCountOnTargetFailure(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 5; i++ {
		line, err := FormatLine(string(rune('a'+i)), Record{Status: 200})
		require.NoError(t, err)
		b.WriteString(line + "\n")
	}
	res, err := ImportFromLog(context.Background(), strings.NewReader(b.String()), &failingPutter{failAfter: 2}, nil)
	require.Error(t, err)
	require.Equal(t, 2, res.Imported)
}

func TestImportDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	line, err := FormatLine("k", Record{Status: 200})
	require.NoError(t, err)
	core, logs := observer.New(zapcore.DebugLevel)
	res, err := ImportFromLog(context.Background(), strings.NewReader(line+"\n"), nil, zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	require.Equal(t, 1, logs.FilterMessage("would import").Len())
}

func TestImportFromDirectoryAndGzipLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	storeDir := filepath.Join(dir, "state")
	db, err := badgerdb.Open(badgerdb.DefaultConfig(storeDir))
	require.NoError(t, err)
	src := Open(db, Config{}, nil)
	seedStore(t, src)
	want := snapshot(t, src)

	var plain bytes.Buffer
	_, err = Export(ctx, src, &plain)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, db.Close())

	fromDir := newMemoryStore(t, Config{})
	res, err := ImportFrom(ctx, storeDir, fromDir, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)
	require.Equal(t, want, snapshot(t, fromDir))

	gzPath := filepath.Join(dir, "history.log.gz")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err = zw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0o600))

	fromLog := newMemoryStore(t, Config{})
	res, err = ImportFrom(ctx, gzPath, fromLog, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)
	require.Equal(t, want, snapshot(t, fromLog))

	_, err = ImportFrom(ctx, filepath.Join(dir, "missing.log"), fromLog, nil)
	require.Error(t, err)
}

func historyLog(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		line, err := FormatLine(fmt.Sprintf("k%05d", i), Record{Status: 200})
		require.NoError(t, err)
		b.WriteString(line + "\n")
	}
	return b.String()
}

func TestImportCountsOnlyCommittedRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first commit fails", func(t *testing.T) {
		t.Parallel()
		target := newFlakyStore(t, Config{BufferSize: 2, FlushInterval: time.Hour}, 1)
		res, err := ImportFromLog(ctx, strings.NewReader(historyLog(t, 5)), target, nil)
		require.ErrorContains(t, err, "disk full")
		require.Zero(t, res.Imported)
		n, err := target.Count()
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("last commit fails", func(t *testing.T) {
		t.Parallel()
		target := newFlakyStore(t, Config{BufferSize: 2 * importCommitEvery, FlushInterval: time.Hour}, 2)
		res, err := ImportFromLog(ctx, strings.NewReader(historyLog(t, importCommitEvery+importCommitEvery/2)), target, nil)
		require.ErrorContains(t, err, "disk full")
		require.Equal(t, importCommitEvery, res.Imported)
		n, err := target.Count()
		require.NoError(t, err)
		require.Equal(t, importCommitEvery, n)
	})
}
