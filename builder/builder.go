// Package builder turns dataset definitions into prepared, sharded datasets
// on disk. It owns the preparation state machine: acquire raw inputs through
// the download cache, drive each split's generator into shard files, and
// persist the manifest that marks the version complete.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shardset/shardset/download"
	"github.com/shardset/shardset/recordio"
	"github.com/shardset/shardset/shard"
	"github.com/shardset/shardset/splits"
)

// State is one stage of the preparation lifecycle.
type State int

const (
	StateUnprepared State = iota
	StateDownloading
	StateGenerating
	StateWriting
	StatePrepared
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StateDownloading:
		return "downloading"
	case StateGenerating:
		return "generating"
	case StateWriting:
		return "writing"
	case StatePrepared:
		return "prepared"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GeneratorError reports a dataset-specific generator failing mid-stream.
// The run aborts; shards written for earlier splits stay in the build
// directory, and no manifest is written.
type GeneratorError struct {
	Dataset string
	Split   string
	Key     string
	Err     error
}

func (e *GeneratorError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("dataset %s: split %q: generator: %v", e.Dataset, e.Split, e.Err)
	}
	return fmt.Sprintf("dataset %s: split %q: generating example %q: %v", e.Dataset, e.Split, e.Key, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// ProgressEvent reports records written for one split. Records is cumulative;
// Done marks the split's final count.
type ProgressEvent struct {
	Dataset string
	Split   string
	Records int
	Done    bool
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// DataDir is the root under which prepared datasets live, one
	// <name>/<version>/ directory each.
	DataDir string
	// Download acquires the raw inputs dataset definitions declare.
	Download *download.Manager
	// Codec writes and reads shard files. recordio.New() when nil.
	Codec recordio.Codec
	// Executor runs splits that carry Work. Optional; preparing a dataset
	// with Work splits and no executor is a configuration error.
	Executor Executor
	// Logger, nil to discard.
	Logger *slog.Logger
	// Force re-prepares a version that already has a valid manifest,
	// atomically replacing it.
	Force bool
	// Progress receives per-split record counts. Runs on the preparing
	// goroutine and must not block.
	Progress func(ProgressEvent)
}

// Builder prepares datasets. Safe to reuse across datasets; a single
// dataset-version must not be prepared concurrently (callers needing that
// serialize with an external lock).
type Builder struct {
	dataDir  string
	dl       *download.Manager
	codec    recordio.Codec
	executor Executor
	logger   *slog.Logger
	force    bool
	progress func(ProgressEvent)
}

// New creates a Builder.
func New(cfg BuilderConfig) (*Builder, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("builder: data dir is required")
	}
	if cfg.Download == nil {
		return nil, fmt.Errorf("builder: download manager is required")
	}
	b := &Builder{
		dataDir:  cfg.DataDir,
		dl:       cfg.Download,
		codec:    cfg.Codec,
		executor: cfg.Executor,
		logger:   cfg.Logger,
		force:    cfg.Force,
		progress: cfg.Progress,
	}
	if b.codec == nil {
		b.codec = recordio.New()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b, nil
}

// DatasetDir returns the directory holding one prepared dataset version.
func DatasetDir(dataDir, dataset string, version Version) string {
	return filepath.Join(dataDir, dataset, version.String())
}

// Versions lists the prepared or in-progress version directories recorded
// for a dataset under dataDir, sorted ascending. Incomplete build
// directories are skipped.
func Versions(dataDir, dataset string) ([]Version, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, dataset))
	if err != nil {
		return nil, fmt.Errorf("builder: listing versions of %s: %w", dataset, err)
	}
	var versions []Version
	for _, entry := range entries {
		if !entry.IsDir() || strings.Contains(entry.Name(), ".incomplete.") {
			continue
		}
		v, err := ParseVersion(entry.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Compare(versions[j]) < 0 })
	return versions, nil
}

// Load returns the manifest of an already prepared dataset version, with no
// side effects. Fails with *NotPreparedError when the version is absent or
// incomplete.
func (b *Builder) Load(def Definition) (*Manifest, error) {
	return loadPrepared(DatasetDir(b.dataDir, def.Name(), def.Version()), def.Name(), def.Version())
}

// Prepare drives the full preparation state machine for one dataset version.
// A version with a valid manifest short-circuits and returns it, unless the
// builder was configured with Force. On failure no manifest is written, so a
// partial build is never mistaken for a prepared dataset; abandoned build
// directories are inert.
func (b *Builder) Prepare(ctx context.Context, def Definition) (*Manifest, error) {
	var (
		name    = def.Name()
		version = def.Version()
		final   = DatasetDir(b.dataDir, name, version)
		logger  = b.logger.With(slog.String("dataset", name), slog.String("version", version.String()))
		started = time.Now()
	)

	transition := func(s State) {
		logger.Info("preparation state", slog.String("state", s.String()))
	}
	fail := func(err error) (*Manifest, error) {
		transition(StateFailed)
		return nil, err
	}

	if !b.force {
		if m, err := loadPrepared(final, name, version); err == nil {
			logger.Info("dataset already prepared")
			return m, nil
		}
	}

	buildDir := filepath.Join(b.dataDir, name, version.String()+".incomplete."+uuid.NewString())
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("builder: creating build dir: %w", err)
	}

	transition(StateDownloading)
	gens, err := def.SplitGenerators(ctx, b.dl)
	if err != nil {
		return fail(fmt.Errorf("resolving splits of %s/%s: %w", name, version, err))
	}
	if err := validateGenerators(name, version, gens, b.executor); err != nil {
		return fail(err)
	}

	transition(StateGenerating)
	type submitted struct {
		idx     int
		gen     SplitGenerator
		promise *Promise
	}
	var (
		infos    = make([]splits.Info, len(gens))
		deferred []submitted
	)
	for idx, gen := range gens {
		if gen.Work != nil {
			work := *gen.Work
			work.Dataset, work.Split = name, gen.Name
			work.Version, work.NumShards = version, gen.NumShards
			work.Dir = buildDir
			promise, err := b.executor.Submit(ctx, work, &gens[idx])
			if err != nil {
				return fail(fmt.Errorf("submitting split %q of %s/%s: %w", gen.Name, name, version, err))
			}
			logger.Debug("submitted split to executor", slog.String("split", gen.Name))
			deferred = append(deferred, submitted{idx: idx, gen: gen, promise: promise})
			continue
		}
		info, err := b.writeSplit(ctx, buildDir, name, version, gen)
		if err != nil {
			return fail(err)
		}
		if err := checkSplit(name, gen, info); err != nil {
			return fail(err)
		}
		infos[idx] = info
	}
	for _, sub := range deferred {
		res, err := sub.promise.Wait(ctx)
		if err != nil {
			return fail(fmt.Errorf("executor split %q of %s/%s: %w", sub.gen.Name, name, version, err))
		}
		info := splits.Info{
			Name:           sub.gen.Name,
			DeclaredShards: sub.gen.NumShards,
			ShardLengths:   res.ShardLengths,
			NumBytes:       res.NumBytes,
			ShardChecksums: res.ShardChecksums,
		}
		for _, n := range res.ShardLengths {
			info.TotalRecords += n
		}
		if err := checkSplit(name, sub.gen, info); err != nil {
			return fail(err)
		}
		infos[sub.idx] = info
	}

	transition(StateWriting)
	m := &Manifest{
		Name:       name,
		Version:    version,
		Splits:     infos,
		Metadata:   def.Metadata(),
		PreparedAt: time.Now().UTC(),
	}
	if err := m.write(buildDir); err != nil {
		return fail(err)
	}
	if err := os.RemoveAll(final); err != nil {
		return fail(fmt.Errorf("builder: replacing %s: %w", final, err))
	}
	if err := os.Rename(buildDir, final); err != nil {
		return fail(fmt.Errorf("builder: committing %s: %w", final, err))
	}

	transition(StatePrepared)
	logger.Info("dataset prepared",
		slog.Int("splits", len(infos)),
		slog.Int("records", m.NumRecords()),
		slog.Int64("bytes", m.NumBytes()),
		slog.Duration("took", time.Since(started)),
	)
	return m, nil
}

// writeSplit consumes one split's example stream into a shard writer. On any
// failure the open shard files are closed and left where they are; the build
// directory never becomes visible as a prepared dataset.
func (b *Builder) writeSplit(ctx context.Context, dir, dataset string, version Version, gen SplitGenerator) (splits.Info, error) {
	w, err := shard.NewWriter(shard.Config{
		Dir:       dir,
		Dataset:   dataset,
		Split:     gen.Name,
		NumShards: gen.NumShards,
		Codec:     b.codec,
		Checksums: version.ExperimentEnabled(ExperimentShardHashes),
	})
	if err != nil {
		return splits.Info{}, err
	}

	var count int
	for ex, genErr := range gen.Examples(ctx) {
		if genErr != nil {
			w.Close()
			return splits.Info{}, &GeneratorError{Dataset: dataset, Split: gen.Name, Key: ex.Key, Err: genErr}
		}
		if err := ctx.Err(); err != nil {
			w.Close()
			return splits.Info{}, err
		}
		if err := w.Append(ex.Record); err != nil {
			w.Close()
			return splits.Info{}, err
		}
		count++
		if b.progress != nil {
			b.progress(ProgressEvent{Dataset: dataset, Split: gen.Name, Records: count})
		}
	}

	info, err := w.Finalize(ctx)
	if err != nil {
		w.Close()
		return splits.Info{}, err
	}
	if b.progress != nil {
		b.progress(ProgressEvent{Dataset: dataset, Split: gen.Name, Records: count, Done: true})
	}
	return info, nil
}

// validateGenerators rejects malformed split lists before any record is
// generated.
func validateGenerators(dataset string, version Version, gens []SplitGenerator, exec Executor) error {
	if len(gens) == 0 {
		return fmt.Errorf("builder: dataset %s declares no splits", dataset)
	}
	seen := make(map[string]struct{}, len(gens))
	for _, gen := range gens {
		if gen.Name == "" {
			return fmt.Errorf("builder: dataset %s declares an unnamed split", dataset)
		}
		if _, dup := seen[gen.Name]; dup {
			return fmt.Errorf("builder: dataset %s declares split %q twice", dataset, gen.Name)
		}
		seen[gen.Name] = struct{}{}
		if gen.NumShards < 0 {
			return fmt.Errorf("builder: split %q declares %d shards", gen.Name, gen.NumShards)
		}
		if gen.NumShards == 0 && !version.ExperimentEnabled(ExperimentLiquidShards) {
			return fmt.Errorf("builder: split %q omits its shard count, but version %s has no %s experiment: declare a shard count",
				gen.Name, version, ExperimentLiquidShards)
		}
		if gen.Examples == nil && gen.Work == nil {
			return fmt.Errorf("builder: split %q has neither an example stream nor executor work", gen.Name)
		}
		if gen.Work != nil && exec == nil {
			return fmt.Errorf("builder: split %q needs an executor, none configured", gen.Name)
		}
	}
	return nil
}

// checkSplit enforces the post-write record count rules: an empty split is a
// failure unless declared allowed, and an empty size-rolled split is always a
// failure since its realized shard count would be undefined downstream.
func checkSplit(dataset string, gen SplitGenerator, info splits.Info) error {
	if info.TotalRecords > 0 {
		return nil
	}
	if gen.NumShards == 0 {
		return fmt.Errorf("builder: dataset %s: split %q wrote no records and has no declared shard count", dataset, gen.Name)
	}
	if !gen.AllowEmpty {
		return fmt.Errorf("builder: dataset %s: split %q wrote no records", dataset, gen.Name)
	}
	return nil
}
