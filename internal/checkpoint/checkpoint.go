// Package checkpoint writes and restores crawl checkpoints. A checkpoint is a
// directory holding a gzip-compressed frontier snapshot, a badger backup of
// the history store, and a metadata record written last. Checkpoints can be
// mirrored to a blob store and recovered from it when the local copy is gone.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
	"github.com/JakeFAU/continuous-crawler/internal/metrics"
	"github.com/JakeFAU/continuous-crawler/internal/storage"
)

// Latest names the newest checkpoint in Load and Restore.
const Latest = "latest"

const (
	metadataFile = "metadata.json"
	frontierFile = "frontier.json.gz"
	historyFile  = "history.bak"
)

// ErrNotFound is returned when a named checkpoint exists neither locally nor
// in the mirror.
var ErrNotFound = errors.New("checkpoint not found")

// ErrReadOnly is returned by Create and Restore on a catalog.
var ErrReadOnly = errors.New("checkpoint catalog is read-only")

var (
	json        = jsoniter.ConfigCompatibleWithStandardLibrary
	namePattern = regexp.MustCompile(`^cp(\d{5})-\d{14}$`)
)

// Frontier is the scheduler state a checkpoint captures.
type Frontier interface {
	Snapshot() frontier.Snapshot
	Restore(ctx context.Context, snap frontier.Snapshot) error
}

// History is the persistent store a checkpoint backs up.
type History interface {
	Backup(ctx context.Context, w io.Writer) error
	Load(r io.Reader) error
}

// Artifact is one file of a checkpoint.
type Artifact struct {
	Name   string `json:"name"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
	URI    string `json:"uri,omitempty"`
}

// Metadata describes a completed checkpoint. It is immutable once written.
type Metadata struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Sequence  int            `json:"sequence"`
	Job       string         `json:"job"`
	RunID     string         `json:"run_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Phase     string         `json:"phase"`
	Pending   int            `json:"pending"`
	Stats     frontier.Stats `json:"stats"`
	Seeds     []string       `json:"seeds,omitempty"`
	Artifacts []Artifact     `json:"artifacts"`
}

// Artifact returns the named artifact entry.
func (m Metadata) Artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Config controls where checkpoints are written.
type Config struct {
	// Dir holds one subdirectory per checkpoint.
	Dir string
	Job string
	// Mirror receives a copy of every checkpoint when set.
	Mirror storage.BlobStore
	// Seeds reports the crawl's seeds, recorded so scope survives recovery.
	Seeds func() []string
}

// Request carries the run context recorded in the metadata.
type Request struct {
	RunID string
	// Phase is the controller phase the crawl returns to afterwards.
	Phase string
}

// Service creates, lists, and restores checkpoints. Create calls are
// serialized; callers are responsible for holding dispatch while it runs.
type Service struct {
	cfg      Config
	frontier Frontier
	history  History
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger

	mu sync.Mutex
}

// New returns a Service writing under cfg.Dir.
func New(
	cfg Config,
	f Frontier,
	h History,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if f == nil || h == nil || ids == nil || clock == nil {
		return nil, errors.New("checkpoint service requires frontier, history, id generator, and clock")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		frontier: f,
		history:  h,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("checkpoint"),
	}, nil
}

// NewCatalog returns a Service that can only List and Load checkpoints. It
// serves tooling that runs without a live crawl.
func NewCatalog(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger.Named("checkpoint")}, nil
}

// Create writes a new checkpoint. Artifacts are staged in a hidden directory
// and renamed into place only after every write and mirror upload succeeded,
// so a failure leaves earlier checkpoints as the newest complete state.
func (s *Service) Create(ctx context.Context, req Request) (meta Metadata, err error) {
	if s.frontier == nil {
		return Metadata{}, ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	defer func() { metrics.ObserveCheckpoint(err, time.Since(started)) }()

	seq, err := s.nextSequence()
	if err != nil {
		return Metadata{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Metadata{}, fmt.Errorf("checkpoint id: %w", err)
	}
	now := s.clock.Now().UTC()
	name := fmt.Sprintf("cp%05d-%s", seq, now.Format("20060102150405"))

	staging, err := os.MkdirTemp(s.cfg.Dir, "."+name+"-")
	if err != nil {
		return Metadata{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	snap := s.frontier.Snapshot()
	frontierArt, err := writeArtifact(staging, frontierFile, func(w io.Writer) error {
		return encodeSnapshot(w, snap)
	})
	if err != nil {
		return Metadata{}, err
	}
	historyArt, err := writeArtifact(staging, historyFile, func(w io.Writer) error {
		return s.history.Backup(ctx, w)
	})
	if err != nil {
		return Metadata{}, err
	}

	meta = Metadata{
		ID:        id,
		Name:      name,
		Sequence:  seq,
		Job:       s.cfg.Job,
		RunID:     req.RunID,
		CreatedAt: now,
		Phase:     req.Phase,
		Pending:   snap.Pending(),
		Stats:     snap.Stats,
		Artifacts: []Artifact{frontierArt, historyArt},
	}
	if s.cfg.Seeds != nil {
		meta.Seeds = s.cfg.Seeds()
	}
	if s.cfg.Mirror != nil {
		if err := s.mirrorArtifacts(ctx, staging, &meta); err != nil {
			return Metadata{}, err
		}
	}
	if err := writeMetadata(staging, meta); err != nil {
		return Metadata{}, err
	}
	if s.cfg.Mirror != nil {
		if _, err := s.upload(ctx, staging, name, metadataFile, "application/json"); err != nil {
			return Metadata{}, err
		}
	}
	if err := os.Rename(staging, filepath.Join(s.cfg.Dir, name)); err != nil {
		return Metadata{}, fmt.Errorf("publish checkpoint: %w", err)
	}
	s.logger.Info("checkpoint written",
		zap.String("name", name),
		zap.Int("pending", meta.Pending),
		zap.Int64("history_bytes", historyArt.Bytes),
		zap.Duration("took", time.Since(started)),
	)
	return meta, nil
}

func (s *Service) mirrorArtifacts(ctx context.Context, staging string, meta *Metadata) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := range meta.Artifacts {
		art := &meta.Artifacts[i]
		g.Go(func() error {
			uri, err := s.upload(gCtx, staging, meta.Name, art.Name, "application/octet-stream")
			if err != nil {
				return err
			}
			art.URI = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("mirror checkpoint: %w", err)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, dir, name, file, contentType string) (string, error) {
	f, err := os.Open(filepath.Join(dir, file))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	uri, err := s.cfg.Mirror.PutObject(ctx, name+"/"+file, contentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file, err)
	}
	return uri, nil
}

// nextSequence is one past the highest sequence in the directory.
func (s *Service) nextSequence() (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}
	highest := 0
	for _, e := range entries {
		if seq, ok := sequenceOf(e.Name()); ok && seq > highest {
			highest = seq
		}
	}
	return highest + 1, nil
}

func sequenceOf(name string) (int, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(m[1])
	return seq, err == nil
}

// List returns every complete checkpoint, local or mirrored, oldest first.
func (s *Service) List(ctx context.Context) ([]Metadata, error) {
	byName := make(map[string]Metadata)
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		meta, err := readMetadata(filepath.Join(s.cfg.Dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		byName[meta.Name] = meta
	}
	if s.cfg.Mirror != nil {
		paths, err := s.cfg.Mirror.List(ctx, "cp")
		if err != nil {
			return nil, fmt.Errorf("list mirrored checkpoints: %w", err)
		}
		for _, p := range paths {
			name, file := filepath.Split(filepath.FromSlash(p))
			name = filepath.Clean(name)
			if file != metadataFile || !namePattern.MatchString(name) {
				continue
			}
			if _, ok := byName[name]; ok {
				continue
			}
			meta, err := s.mirroredMetadata(ctx, name)
			if err != nil {
				s.logger.Warn("skipping unreadable mirrored checkpoint", zap.String("name", name), zap.Error(err))
				continue
			}
			byName[name] = meta
		}
	}
	out := make([]Metadata, 0, len(byName))
	for _, meta := range byName {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) mirroredMetadata(ctx context.Context, name string) (Metadata, error) {
	rc, err := s.cfg.Mirror.GetObject(ctx, name+"/"+metadataFile)
	if err != nil {
		return Metadata{}, err
	}
	defer rc.Close()
	var meta Metadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// Load returns the metadata of the named checkpoint (or Latest), fetching it
// from the mirror into the local directory when needed.
func (s *Service) Load(ctx context.Context, name string) (Metadata, error) {
	if name == Latest {
		all, err := s.List(ctx)
		if err != nil {
			return Metadata{}, err
		}
		if len(all) == 0 {
			return Metadata{}, fmt.Errorf("load %s: %w", name, ErrNotFound)
		}
		name = all[len(all)-1].Name
	}
	if !namePattern.MatchString(name) {
		return Metadata{}, fmt.Errorf("load %q: %w", name, ErrNotFound)
	}
	dir := filepath.Join(s.cfg.Dir, name)
	meta, err := readMetadata(dir)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Metadata{}, err
	}
	if s.cfg.Mirror == nil {
		return Metadata{}, fmt.Errorf("load %s: %w", name, ErrNotFound)
	}
	return s.download(ctx, name)
}

// download copies a mirrored checkpoint into the local directory.
func (s *Service) download(ctx context.Context, name string) (meta Metadata, err error) {
	meta, err = s.mirroredMetadata(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Metadata{}, fmt.Errorf("load %s: %w", name, ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("load %s from mirror: %w", name, err)
	}
	staging, err := os.MkdirTemp(s.cfg.Dir, "."+name+"-")
	if err != nil {
		return Metadata{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()
	g, gCtx := errgroup.WithContext(ctx)
	for _, art := range meta.Artifacts {
		g.Go(func() error {
			return s.fetch(gCtx, staging, name, art.Name)
		})
	}
	if err := g.Wait(); err != nil {
		return Metadata{}, fmt.Errorf("download checkpoint %s: %w", name, err)
	}
	if err := writeMetadata(staging, meta); err != nil {
		return Metadata{}, err
	}
	if err := os.Rename(staging, filepath.Join(s.cfg.Dir, name)); err != nil {
		return Metadata{}, fmt.Errorf("publish downloaded checkpoint: %w", err)
	}
	s.logger.Info("checkpoint downloaded from mirror", zap.String("name", name))
	return meta, nil
}

func (s *Service) fetch(ctx context.Context, dir, name, file string) error {
	rc, err := s.cfg.Mirror.GetObject(ctx, name+"/"+file)
	if err != nil {
		return fmt.Errorf("get %s: %w", file, err)
	}
	defer rc.Close()
	out, err := os.Create(filepath.Join(dir, file))
	if err != nil {
		return fmt.Errorf("create %s: %w", file, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", file, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", file, err)
	}
	return nil
}

// Restore loads the named checkpoint into the history store and frontier.
// Both must be fresh: the frontier refuses a restore once the crawl started.
// Artifacts are verified against their recorded checksums first.
func (s *Service) Restore(ctx context.Context, name string) (Metadata, error) {
	if s.frontier == nil {
		return Metadata{}, ErrReadOnly
	}
	meta, err := s.Load(ctx, name)
	if err != nil {
		return Metadata{}, err
	}
	dir := filepath.Join(s.cfg.Dir, meta.Name)
	for _, art := range meta.Artifacts {
		if err := verifyArtifact(dir, art); err != nil {
			return Metadata{}, err
		}
	}

	snap, err := readSnapshot(filepath.Join(dir, frontierFile))
	if err != nil {
		return Metadata{}, err
	}
	hf, err := os.Open(filepath.Join(dir, historyFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("open history backup: %w", err)
	}
	defer hf.Close()
	if err := s.history.Load(hf); err != nil {
		return Metadata{}, fmt.Errorf("restore history: %w", err)
	}
	if err := s.frontier.Restore(ctx, snap); err != nil {
		return Metadata{}, fmt.Errorf("restore frontier: %w", err)
	}
	s.logger.Info("checkpoint restored",
		zap.String("name", meta.Name),
		zap.Int("pending", snap.Pending()),
		zap.Int("seen", len(snap.Seen)),
	)
	return meta, nil
}

func encodeSnapshot(w io.Writer, snap frontier.Snapshot) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		_ = gz.Close()
		return fmt.Errorf("encode frontier snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress frontier snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (frontier.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return frontier.Snapshot{}, fmt.Errorf("open frontier snapshot: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return frontier.Snapshot{}, fmt.Errorf("decompress frontier snapshot: %w", err)
	}
	defer gz.Close()
	var snap frontier.Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return frontier.Snapshot{}, fmt.Errorf("decode frontier snapshot: %w", err)
	}
	return snap, nil
}

// writeArtifact creates dir/name, streams fill into it, and records size
// and checksum.
func writeArtifact(dir, name string, fill func(io.Writer) error) (Artifact, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", name, err)
	}
	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	if err := fill(cw); err != nil {
		_ = f.Close()
		return Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Artifact{}, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close %s: %w", name, err)
	}
	return Artifact{Name: name, Bytes: cw.n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func verifyArtifact(dir string, art Artifact) error {
	f, err := os.Open(filepath.Join(dir, art.Name))
	if err != nil {
		return fmt.Errorf("open %s: %w", art.Name, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("read %s: %w", art.Name, err)
	}
	if n != art.Bytes || hex.EncodeToString(h.Sum(nil)) != art.SHA256 {
		return fmt.Errorf("checkpoint artifact %s is corrupt", art.Name)
	}
	return nil
}

func writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o640); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
