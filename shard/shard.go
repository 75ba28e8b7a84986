// Package shard materializes a split's records as numbered shard files,
// distributing them round-robin across a declared shard count or rolling new
// shards by accumulated byte size when no count was declared.
package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shardset/shardset/recordio"
	"github.com/shardset/shardset/splits"
)

// DefaultTargetBytes is the byte size at which size-based sharding rolls to a
// new shard.
const DefaultTargetBytes int64 = 128 << 20

// WriteError reports a failed write to a shard file. Fatal for the
// preparation run.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing shard %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Name returns the file name of one shard of a split.
func Name(dataset, split string, index, total int) string {
	return fmt.Sprintf("%s-%s.shard-%05d-of-%05d", dataset, split, index, total)
}

// Config describes one split's shard layout.
type Config struct {
	Dir     string
	Dataset string
	Split   string
	// NumShards fixes the shard count; records are placed round-robin by
	// generation index. Zero lets the writer roll shards by size.
	NumShards int
	// TargetBytes is the roll threshold for size-based sharding.
	// DefaultTargetBytes when zero.
	TargetBytes int64
	Codec       recordio.Codec
	// Checksums records each shard file's SHA-256 in the resulting split
	// info.
	Checksums bool
}

// Writer writes one split's records. Not safe for concurrent use: records
// must arrive in generation order for shard placement to be deterministic.
type Writer struct {
	cfg       Config
	writers   []recordio.Writer
	paths     []string
	building  bool // liquid shards carry temp names until Finalize
	count     int
	finalized bool
}

// NewWriter prepares a shard writer. With a fixed shard count every shard
// file is opened immediately under its final name; size-based shards open as
// records arrive.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Dir == "" || cfg.Dataset == "" || cfg.Split == "" {
		return nil, fmt.Errorf("shard: dir, dataset and split are required")
	}
	if cfg.NumShards < 0 {
		return nil, fmt.Errorf("shard: negative shard count %d", cfg.NumShards)
	}
	if cfg.Codec == nil {
		cfg.Codec = recordio.New()
	}
	if cfg.TargetBytes <= 0 {
		cfg.TargetBytes = DefaultTargetBytes
	}

	w := &Writer{cfg: cfg, building: cfg.NumShards == 0}
	for i := 0; i < cfg.NumShards; i++ {
		path := filepath.Join(cfg.Dir, Name(cfg.Dataset, cfg.Split, i, cfg.NumShards))
		rw, err := cfg.Codec.Writer(path)
		if err != nil {
			w.Abort()
			return nil, &WriteError{Path: path, Err: err}
		}
		w.writers = append(w.writers, rw)
		w.paths = append(w.paths, path)
	}
	return w, nil
}

// Append routes one record to its shard.
func (w *Writer) Append(record any) error {
	if w.finalized {
		return fmt.Errorf("shard: append after finalize")
	}
	var idx int
	if w.cfg.NumShards > 0 {
		idx = w.count % w.cfg.NumShards
	} else {
		var err error
		if idx, err = w.currentLiquidShard(); err != nil {
			return err
		}
	}
	if _, err := w.writers[idx].Append(record); err != nil {
		return &WriteError{Path: w.paths[idx], Err: err}
	}
	w.count++
	return nil
}

// currentLiquidShard returns the open shard to append to, rolling to a new
// one once the current shard's record region reaches the target size.
func (w *Writer) currentLiquidShard() (int, error) {
	last := len(w.writers) - 1
	if last >= 0 && w.writers[last].Offset() < w.cfg.TargetBytes {
		return last, nil
	}
	if last >= 0 {
		if err := w.writers[last].Close(); err != nil {
			return 0, &WriteError{Path: w.paths[last], Err: err}
		}
	}
	path := filepath.Join(w.cfg.Dir,
		fmt.Sprintf("%s-%s.shard-%05d.building.%s", w.cfg.Dataset, w.cfg.Split, last+1, uuid.NewString()))
	rw, err := w.cfg.Codec.Writer(path)
	if err != nil {
		return 0, &WriteError{Path: path, Err: err}
	}
	w.writers = append(w.writers, rw)
	w.paths = append(w.paths, path)
	return last + 1, nil
}

// Finalize closes every shard, gives size-based shards their final names now
// that the total is known, and returns the realized split info.
func (w *Writer) Finalize(ctx context.Context) (splits.Info, error) {
	if w.finalized {
		return splits.Info{}, fmt.Errorf("shard: already finalized")
	}
	if err := ctx.Err(); err != nil {
		return splits.Info{}, err
	}
	w.finalized = true

	var closeErr error
	for i, rw := range w.writers {
		if err := rw.Close(); err != nil && closeErr == nil {
			closeErr = &WriteError{Path: w.paths[i], Err: err}
		}
	}
	if closeErr != nil {
		return splits.Info{}, closeErr
	}

	total := len(w.writers)
	if w.building {
		for i, path := range w.paths {
			final := filepath.Join(w.cfg.Dir, Name(w.cfg.Dataset, w.cfg.Split, i, total))
			if err := os.Rename(path, final); err != nil {
				return splits.Info{}, &WriteError{Path: path, Err: err}
			}
			w.paths[i] = final
		}
	}

	info := splits.Info{
		Name:           w.cfg.Split,
		DeclaredShards: w.cfg.NumShards,
		TotalRecords:   w.count,
		ShardLengths:   make([]int, total),
	}
	for i, rw := range w.writers {
		info.ShardLengths[i] = rw.Count()
		info.NumBytes += rw.Offset()
		if w.cfg.Checksums {
			info.ShardChecksums = append(info.ShardChecksums, rw.Sum())
		}
	}
	return info, nil
}

// Paths returns the shard file paths in index order. Final names only after
// Finalize.
func (w *Writer) Paths() []string {
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// Close abandons the split without finalizing: open shard files are closed
// and left in place. For callers walking away from a failed build whose
// directory will never be marked prepared.
func (w *Writer) Close() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	var first error
	for _, rw := range w.writers {
		if err := rw.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Abort closes and removes everything written so far.
func (w *Writer) Abort() error {
	w.finalized = true
	var first error
	for _, rw := range w.writers {
		if err := rw.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, path := range w.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}
