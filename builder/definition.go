package builder

import (
	"context"
	"iter"

	"github.com/shardset/shardset/download"
)

// Example is one (key, record) pair produced by a dataset's generator. The
// key must be stable and unique within its split; it is used for error
// context and never persisted. The record is an opaque structured value the
// codec knows how to serialize.
type Example struct {
	Key    string
	Record any
}

// SplitGenerator declares one split of a dataset and how to produce its
// records.
type SplitGenerator struct {
	Name string

	// NumShards fixes the shard count; records are placed round-robin by
	// generation index. Zero lets the writer roll shards by size, which
	// requires the liquid shards experiment for the dataset's version.
	NumShards int

	// AllowEmpty permits the split to end up with zero records. An empty
	// split is otherwise a preparation failure.
	AllowEmpty bool

	// Examples produces the split's records in generation order. The
	// sequence must be finite and, for reproducible builds, deterministic.
	Examples func(ctx context.Context) iter.Seq2[Example, error]

	// Work, when non-nil, routes the split to the builder's external
	// executor instead of consuming Examples in-process.
	Work *SplitWork
}

// Definition is the capability a dataset exposes to the builder: a name, a
// static version, opaque metadata, and a declarative split list.
//
// SplitGenerators receives the download manager and performs all raw-input
// acquisition through it; by the time it returns, every remote resource the
// generators depend on is cached locally.
type Definition interface {
	Name() string
	Version() Version
	Metadata() map[string]any
	SplitGenerators(ctx context.Context, dl *download.Manager) ([]SplitGenerator, error)
}
