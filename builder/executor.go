package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/shardset/shardset/recordio"
	"github.com/shardset/shardset/shard"
)

// SplitWork describes one split's generation for an external executor: where
// to write, how many shards, and an opaque payload the executor interprets.
// The builder never sees the records for executor-run splits; it only
// receives the realized shard counts back.
type SplitWork struct {
	Dataset   string
	Split     string
	Version   Version
	NumShards int
	Dir       string
	Payload   map[string]any
}

// SplitResult is what an executor reports for one completed split.
type SplitResult struct {
	ShardLengths   []int
	NumBytes       int64
	ShardChecksums []string
}

// Promise resolves to a split result once the executor finishes the work.
type Promise struct {
	done chan struct{}
	res  SplitResult
	err  error
}

// NewPromise creates an unresolved promise. Executor implementations resolve
// it with Complete.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Complete resolves the promise. Must be called exactly once.
func (p *Promise) Complete(res SplitResult, err error) {
	p.res, p.err = res, err
	close(p.done)
}

// Wait blocks until the promise resolves or the context is cancelled.
func (p *Promise) Wait(ctx context.Context) (SplitResult, error) {
	select {
	case <-ctx.Done():
		return SplitResult{}, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

// Executor runs a split's generation on behalf of the builder. Submit must
// not block on the work itself; the builder collects the promises for all
// submitted splits and then waits on them.
type Executor interface {
	Submit(ctx context.Context, work SplitWork, gen *SplitGenerator) (*Promise, error)
}

// PoolExecutor writes a split's shards with one goroutine per shard, routing
// record i to shard i mod N. Each shard still receives its records in
// generation order, so fixed-shard output is identical to the in-process
// path. It doubles as the reference for wiring a real cluster runner.
//
// Liquid work is rejected: shard boundaries under size-based rolling depend
// on a single writer's byte accounting, which a parallel pool cannot
// reproduce.
type PoolExecutor struct {
	// Codec opens the shard writers. recordio.New() when nil.
	Codec recordio.Codec
	// Logger, nil to discard.
	Logger *slog.Logger
}

func (e *PoolExecutor) Submit(ctx context.Context, work SplitWork, gen *SplitGenerator) (*Promise, error) {
	if work.NumShards <= 0 {
		return nil, fmt.Errorf("builder: pool executor needs a fixed shard count for split %q", work.Split)
	}
	if gen == nil || gen.Examples == nil {
		return nil, fmt.Errorf("builder: pool executor needs an example stream for split %q", work.Split)
	}
	p := NewPromise()
	go func() {
		p.Complete(e.run(ctx, work, gen))
	}()
	return p, nil
}

func (e *PoolExecutor) run(ctx context.Context, work SplitWork, gen *SplitGenerator) (SplitResult, error) {
	codec := e.Codec
	if codec == nil {
		codec = recordio.New()
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		n       = work.NumShards
		writers = make([]recordio.Writer, n)
		paths   = make([]string, n)
		feeds   = make([]chan any, n)
	)
	for i := 0; i < n; i++ {
		paths[i] = filepath.Join(work.Dir, shard.Name(work.Dataset, work.Split, i, n))
		w, err := codec.Writer(paths[i])
		if err != nil {
			for j := 0; j < i; j++ {
				writers[j].Close()
			}
			return SplitResult{}, &shard.WriteError{Path: paths[i], Err: err}
		}
		writers[i] = w
		feeds[i] = make(chan any, 64)
	}

	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			for record := range feeds[i] {
				if _, err := writers[i].Append(record); err != nil {
					return &shard.WriteError{Path: paths[i], Err: err}
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer func() {
			for _, feed := range feeds {
				close(feed)
			}
		}()
		var i int
		for ex, err := range gen.Examples(gctx) {
			if err != nil {
				return &GeneratorError{Dataset: work.Dataset, Split: work.Split, Key: ex.Key, Err: err}
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case feeds[i%n] <- ex.Record:
			}
			i++
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		for _, w := range writers {
			w.Close()
		}
		return SplitResult{}, err
	}

	result := SplitResult{ShardLengths: make([]int, n)}
	hash := work.Version.ExperimentEnabled(ExperimentShardHashes)
	for i, w := range writers {
		if err := w.Close(); err != nil {
			return SplitResult{}, &shard.WriteError{Path: paths[i], Err: err}
		}
		result.ShardLengths[i] = w.Count()
		result.NumBytes += w.Offset()
		if hash {
			result.ShardChecksums = append(result.ShardChecksums, w.Sum())
		}
	}
	logger.Debug("pool executor finished split",
		slog.String("dataset", work.Dataset),
		slog.String("split", work.Split),
		slog.Int("shards", n),
	)
	return result, nil
}
