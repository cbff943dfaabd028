// Package stage owns the staging directory where a run's intermediate files live.
//
// Every path is a pure function of (owner id, creation time, kind):
//
//	{base}/{kind}/{owner}_{20060102T150405.000000000Z}.{ext}
//
// Owner ids are unique per delivery, so concurrent runs never collide and no
// locking is needed. Characters unsafe in a file name are replaced and a
// short digest of the original id is appended, so two ids never share a stem.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/storage"
)

// Kind is the role of a staged artifact
type Kind string

// Artifact kinds
const (
	RawCapture          Kind = "raw_capture"
	DecompressedCapture Kind = "decompressed_capture"
	ExtractedTable      Kind = "extracted_table"
	ColumnarTable       Kind = "columnar_table"
)

// Kinds lists every artifact kind
var Kinds = []Kind{RawCapture, DecompressedCapture, ExtractedTable, ColumnarTable}

// Ext returns the file extension used for the kind
func (k Kind) Ext() string {
	switch k {
	case RawCapture:
		return "bin"
	case DecompressedCapture:
		return "pcap"
	case ExtractedTable:
		return "csv"
	case ColumnarTable:
		return "parquet"
	default:
		return "dat"
	}
}

// TimestampLayout formats the creation time inside staged file names
const TimestampLayout = "20060102T150405.000000000Z"

// Retention policies
const (
	RetentionDelete  = "delete"
	RetentionKeep    = "keep"
	RetentionArchive = "archive"
)

// Artifact is a staged file
type Artifact struct {
	Path      string
	Kind      Kind
	OwnerID   string
	CreatedAt time.Time
	Size      int64
}

// Stage allocates and releases artifact paths under a base directory
type Stage struct {
	baseDir   string
	retention string
	keepRaw   bool
	archive   storage.Store
	prefix    string
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// Option configures a Stage
type Option func(*Stage)

// WithRetention selects delete, keep or archive
func WithRetention(policy string) Option {
	return func(s *Stage) { s.retention = policy }
}

// WithKeepRaw keeps capture files after release
func WithKeepRaw(keep bool) Option {
	return func(s *Stage) { s.keepRaw = keep }
}

// WithArchive sets the backend for archive retention. Keys are prefixed with prefix.
func WithArchive(store storage.Store, prefix string) Option {
	return func(s *Stage) {
		s.archive = store
		s.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) { s.logger = logger }
}

// WithMetrics records staged bytes and archive outcomes
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// New prepares the per-kind directories under baseDir.
// An unwritable base directory yields a StagingError.
func New(baseDir string, opts ...Option) (*Stage, error) {
	s := &Stage{
		baseDir:   baseDir,
		retention: RetentionDelete,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch s.retention {
	case RetentionDelete, RetentionKeep:
	case RetentionArchive:
		if s.archive == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("archive retention without a backend"),
				"Stage", "New", "configure retention")
		}
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown retention %q", s.retention),
			"Stage", "New", "configure retention")
	}

	for _, k := range Kinds {
		if err := os.MkdirAll(s.Dir(k), 0o750); err != nil {
			return nil, errors.NewPipeline(errors.KindStaging, "stage.New", err)
		}
	}

	s.logger = s.logger.With("component", "stage")
	return s, nil
}

// BaseDir returns the staging root
func (s *Stage) BaseDir() string {
	return s.baseDir
}

// Dir returns the directory holding artifacts of kind
func (s *Stage) Dir(kind Kind) string {
	return filepath.Join(s.baseDir, string(kind))
}

// Stem returns the file name shared by all of an owner's artifacts, without extension
func Stem(owner string, createdAt time.Time) string {
	return sanitizeOwner(owner) + "_" + createdAt.UTC().Format(TimestampLayout)
}

// Path returns the deterministic path for an artifact
func (s *Stage) Path(owner string, createdAt time.Time, kind Kind) string {
	return filepath.Join(s.Dir(kind), Stem(owner, createdAt)+"."+kind.Ext())
}

// OutputPath returns where an external tool is expected to write its output
// for an input staged under (owner, createdAt).
func (s *Stage) OutputPath(owner string, createdAt time.Time, kind Kind, suffix string) string {
	return filepath.Join(s.Dir(kind), Stem(owner, createdAt)+suffix)
}

// Create writes data to the artifact path through a temp file and rename,
// so readers never see a partial file.
func (s *Stage) Create(owner string, createdAt time.Time, kind Kind, data []byte) (*Handle, error) {
	target := s.Path(owner, createdAt, kind)

	tmp, err := os.CreateTemp(s.Dir(kind), ".staging-*")
	if err != nil {
		return nil, errors.NewPipeline(errors.KindStaging, "stage.Create", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, errors.NewPipeline(errors.KindStaging, "stage.Create", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, errors.NewPipeline(errors.KindStaging, "stage.Create", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, errors.NewPipeline(errors.KindStaging, "stage.Create", err)
	}

	s.metrics.RecordStagedBytes(string(kind), len(data))

	return s.handle(Artifact{
		Path:      target,
		Kind:      kind,
		OwnerID:   owner,
		CreatedAt: createdAt,
		Size:      int64(len(data)),
	}), nil
}

// Adopt takes ownership of a file another process wrote at path, so it is
// released with the run.
func (s *Stage) Adopt(path string, owner string, createdAt time.Time, kind Kind) *Handle {
	a := Artifact{Path: path, Kind: kind, OwnerID: owner, CreatedAt: createdAt}
	if info, err := os.Stat(path); err == nil {
		a.Size = info.Size()
		s.metrics.RecordStagedBytes(string(kind), int(info.Size()))
	}
	return s.handle(a)
}

func (s *Stage) handle(a Artifact) *Handle {
	return &Handle{Artifact: a, stage: s}
}

func (s *Stage) policyFor(kind Kind) string {
	if s.retention == RetentionKeep {
		return RetentionKeep
	}
	capture := kind == RawCapture || kind == DecompressedCapture
	if s.retention == RetentionArchive {
		if kind == ColumnarTable || (capture && s.keepRaw) {
			return RetentionArchive
		}
		return RetentionDelete
	}
	if capture && s.keepRaw {
		return RetentionKeep
	}
	return RetentionDelete
}

func sanitizeOwner(owner string) string {
	var b strings.Builder
	b.Grow(len(owner))
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		out = "anonymous"
	}
	// A rewritten id keeps a digest of the original so distinct ids stay distinct.
	if out != owner {
		sum := sha256.Sum256([]byte(owner))
		out += "-" + hex.EncodeToString(sum[:4])
	}
	return out
}

// Handle scopes an artifact's lifetime to its run
type Handle struct {
	Artifact
	stage    *Stage
	released bool
}

// Release applies the retention policy. It is idempotent. When archiving
// fails the local file is kept and the error returned.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	s := h.stage
	switch s.policyFor(h.Kind) {
	case RetentionKeep:
		return nil
	case RetentionArchive:
		if _, err := os.Stat(h.Path); os.IsNotExist(err) {
			return nil
		}
		key := storage.Key(s.prefix, string(h.Kind), filepath.Base(h.Path))
		if err := storage.PutFile(ctx, s.archive, key, h.Path); err != nil {
			s.metrics.RecordArchived(s.archive.Name(), false)
			return errors.WrapTransient(err, "Stage", "Release", "archive artifact")
		}
		s.metrics.RecordArchived(s.archive.Name(), true)
		s.logger.Debug("Artifact archived", "kind", h.Kind, "key", key, "backend", s.archive.Name())
	}

	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Stage", "Release", "remove artifact")
	}
	return nil
}

// ReleaseAll releases every handle and joins the errors
func ReleaseAll(ctx context.Context, handles ...*Handle) error {
	var errs []error
	for _, h := range handles {
		if err := h.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
