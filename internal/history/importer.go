package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
)

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Flusher is a Putter whose writes only become durable on Flush. Store is
// one.
type Flusher interface {
	Flush(ctx context.Context) error
}

// importCommitEvery is how many records an import puts into a Flusher
// between flushes.
const importCommitEvery = 1000

// importSink counts records as imported once they are durable. Targets that
// are not Flushers count on every successful Put.
type importSink struct {
	target  Putter
	flusher Flusher
	pending int
	res     *ImportResult
}

func newImportSink(target Putter, res *ImportResult) *importSink {
	sink := &importSink{target: target, res: res}
	if f, ok := target.(Flusher); ok {
		sink.flusher = f
	}
	return sink
}

func (k *importSink) put(ctx context.Context, key string, rec Record) error {
	if err := k.target.Put(ctx, key, rec); err != nil {
		return err
	}
	if k.flusher == nil {
		k.res.Imported++
		return nil
	}
	k.pending++
	if k.pending >= importCommitEvery {
		return k.flush(ctx)
	}
	return nil
}

func (k *importSink) flush(ctx context.Context) error {
	if k.flusher == nil || k.pending == 0 {
		return nil
	}
	if err := k.flusher.Flush(ctx); err != nil {
		return err
	}
	k.res.Imported += k.pending
	k.pending = 0
	return nil
}

// ImportFromLog reads `key base64(record)` lines from r into target. Blank
// lines are ignored; malformed lines are logged and skipped. A nil target
// performs a dry run that logs every parsed record. When target is a
// Flusher it is flushed every importCommitEvery records and at the end, and
// only flushed records count as imported. When target fails the import
// stops and the result holds the count imported so far.
func ImportFromLog(ctx context.Context, r io.Reader, target Putter, logger *zap.Logger) (ImportResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res ImportResult
	var sink *importSink
	if target != nil {
		sink = newImportSink(target, &res)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, rec, err := ParseLine(line)
		if err != nil {
			res.Skipped++
			logger.Warn("bad history line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if sink == nil {
			logger.Debug("would import", zap.String("key", key), zap.String("digest", rec.Digest), zap.Int("status", rec.Status))
			res.Imported++
			continue
		}
		if err := sink.put(ctx, key, rec); err != nil {
			return res, fmt.Errorf("import line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read history log: %w", err)
	}
	if sink != nil {
		if err := sink.flush(ctx); err != nil {
			return res, fmt.Errorf("import commit: %w", err)
		}
	}
	return res, nil
}

// ImportFromStore copies every record of source into target, counting the
// same way ImportFromLog does. A nil target performs a dry run.
func ImportFromStore(ctx context.Context, source *Store, target Putter, logger *zap.Logger) (ImportResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res ImportResult
	var sink *importSink
	if target != nil {
		sink = newImportSink(target, &res)
	}
	err := source.Walk(func(key string, rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sink == nil {
			logger.Debug("would import", zap.String("key", key), zap.String("digest", rec.Digest), zap.Int("status", rec.Status))
			res.Imported++
			return nil
		}
		return sink.put(ctx, key, rec)
	})
	if err == nil && sink != nil {
		err = sink.flush(ctx)
	}
	if err != nil {
		return res, fmt.Errorf("import from store: %w", err)
	}
	return res, nil
}

// Export writes every committed record of s to w in key order, one log line
// per record.
func Export(ctx context.Context, s *Store, w io.Writer) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	n := 0
	err := s.Walk(func(key string, rec Record) error {
		line, err := FormatLine(key, rec)
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write line: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export history: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush export: %w", err)
	}
	return n, nil
}

// ImportFrom imports from a path or URL. A directory is opened read-only as
// another history environment; anything else is read as a log, gunzipped
// when it ends in ".gz". A nil target performs a dry run.
func ImportFrom(ctx context.Context, source string, target Putter, logger *zap.Logger) (ImportResult, error) {
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		cfg := badgerdb.DefaultConfig(source)
		cfg.ReadOnly = true
		db, err := badgerdb.Open(cfg)
		if err != nil {
			return ImportResult{}, fmt.Errorf("open source store: %w", err)
		}
		defer func() { _ = db.Close() }()
		src := Open(db, Config{}, logger)
		return ImportFromStore(ctx, src, target, logger)
	}
	rc, err := openLog(ctx, source)
	if err != nil {
		return ImportResult{}, err
	}
	defer func() { _ = rc.Close() }()
	return ImportFromLog(ctx, rc, target, logger)
}

func openLog(ctx context.Context, source string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("build source request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch source: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("fetch source: unexpected status %d", resp.StatusCode)
		}
		rc = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		rc = f
	}
	if !strings.HasSuffix(source, ".gz") {
		return rc, nil
	}
	gz, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("open gzip source: %w", err)
	}
	return &gzipReadCloser{Reader: gz, under: rc}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Close() error {
	return errors.Join(g.Reader.Close(), g.under.Close())
}
