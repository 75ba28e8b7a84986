// Package synthetic ships a self-contained generated corpus: labeled text
// records drawn from seeded distributions, with no downloads. It exercises
// the preparation pipeline end to end without network access and doubles as
// the demo dataset.
package synthetic

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/shardset/shardset/builder"
	"github.com/shardset/shardset/datasets"
	"github.com/shardset/shardset/download"
)

func init() {
	datasets.Register(New(Config{}))
}

const (
	// Text lengths are lognormal; exp(mu) puts the typical record around
	// 365 characters.
	textLengthMu    = 5.9
	textLengthSigma = 0.7
	minTextLen      = 16
	maxTextLen      = 4096

	// Label frequencies follow a Pareto, so a handful of labels carry most
	// of the records the way real corpora skew.
	labelAlpha = 1.1
)

var labels = []string{
	"arts", "finance", "gaming", "health",
	"news", "science", "sports", "travel",
}

var vocabulary = []string{
	"alloy", "basin", "cedar", "delta", "ember", "fjord", "gully", "heron",
	"inlet", "joule", "krill", "lichen", "mesa", "nadir", "osier", "prism",
	"quarry", "ridge", "shoal", "tundra", "umbra", "vale", "willow", "xenon",
	"yarrow", "zephyr", "basalt", "cairn", "dune", "eddy", "flint", "grove",
}

// Config sizes the generated corpus. Zero fields take the defaults.
type Config struct {
	TrainRecords      int
	ValidationRecords int
	TestRecords       int

	// Seed drives every distribution. Two preparations with the same seed
	// and counts produce byte-identical shards.
	Seed uint64
}

// Dataset implements builder.Definition for the generated corpus.
type Dataset struct {
	cfg    Config
	labels *aliasTable
}

// New returns a definition with zero config fields replaced by defaults.
func New(cfg Config) *Dataset {
	if cfg.TrainRecords <= 0 {
		cfg.TrainRecords = 4096
	}
	if cfg.ValidationRecords <= 0 {
		cfg.ValidationRecords = 512
	}
	if cfg.TestRecords <= 0 {
		cfg.TestRecords = 1024
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return &Dataset{
		cfg:    cfg,
		labels: newAliasTable(len(labels), labelAlpha, rand.NewSource(cfg.Seed)),
	}
}

func (d *Dataset) Name() string { return "synthetic" }

func (d *Dataset) Version() builder.Version { return builder.MustVersion("2.0.0") }

func (d *Dataset) Metadata() map[string]any {
	return map[string]any{
		"origin": "generated",
		"seed":   d.cfg.Seed,
		"labels": labels,
	}
}

// SplitGenerators declares train and validation with fixed shard counts and
// test as a size-rolled split. Nothing is downloaded.
func (d *Dataset) SplitGenerators(_ context.Context, _ *download.Manager) ([]builder.SplitGenerator, error) {
	return []builder.SplitGenerator{
		{Name: "train", NumShards: 8, Examples: d.examples("train", d.cfg.TrainRecords)},
		{Name: "validation", NumShards: 2, Examples: d.examples("validation", d.cfg.ValidationRecords)},
		{Name: "test", Examples: d.examples("test", d.cfg.TestRecords)},
	}, nil
}

// examples streams one split's records. Every stream for a given (seed,
// split) pair yields the same records in the same order.
func (d *Dataset) examples(split string, n int) func(context.Context) iter.Seq2[builder.Example, error] {
	return func(context.Context) iter.Seq2[builder.Example, error] {
		return func(yield func(builder.Example, error) bool) {
			var (
				rng     = rand.New(rand.NewSource(splitSeed(d.cfg.Seed, split)))
				lengths = distuv.LogNormal{
					Mu:    textLengthMu,
					Sigma: textLengthSigma,
					Src:   rand.NewSource(splitSeed(d.cfg.Seed, split+"/len")),
				}
			)
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("%s-%08d", split, i)
				record := map[string]any{
					"id":    id,
					"label": labels[d.labels.next(rng)],
					"text":  text(rng, clampLen(lengths.Rand())),
					"score": rng.Float64(),
				}
				if !yield(builder.Example{Key: id, Record: record}, nil) {
					return
				}
			}
		}
	}
}

func splitSeed(seed uint64, split string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(split))
	return seed ^ h.Sum64()
}

func clampLen(v float64) int {
	n := int(v)
	if n < minTextLen {
		return minTextLen
	}
	if n > maxTextLen {
		return maxTextLen
	}
	return n
}

// text builds a record body of at least target characters from the fixed
// vocabulary.
func text(rng *rand.Rand, target int) string {
	var b strings.Builder
	b.Grow(target + 8)
	for b.Len() < target {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(vocabulary[rng.Intn(len(vocabulary))])
	}
	return b.String()
}

// aliasTable samples label indices in O(1) from a fixed weighted
// distribution. Weights are drawn once from a Pareto at construction.
type aliasTable struct {
	prob  []float64
	alias []int
}

func newAliasTable(n int, alpha float64, src rand.Source) *aliasTable {
	pareto := distuv.Pareto{
		Xm:    1,
		Alpha: alpha,
		Src:   src,
	}

	var (
		samples = make([]float64, n)
		sum     float64
	)
	for i := range samples {
		samples[i] = pareto.Rand()
		sum += samples[i]
	}

	// Scale the normalized weights by n and split them into the small and
	// large worklists of Vose's method.
	var (
		scaled = make([]float64, n)
		small  = make([]int, 0, n)
		large  = make([]int, 0, n)
	)
	for i, s := range samples {
		scaled[i] = s / sum * float64(n)
		if scaled[i] < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	t := &aliasTable{
		prob:  make([]float64, n),
		alias: make([]int, n),
	}
	for len(small) > 0 && len(large) > 0 {
		var s, l int
		s, small = small[len(small)-1], small[:len(small)-1]
		l, large = large[len(large)-1], large[:len(large)-1]

		t.prob[s] = scaled[s]
		t.alias[s] = l

		scaled[l] = (scaled[l] + scaled[s]) - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for len(large) > 0 {
		var l int
		l, large = large[len(large)-1], large[:len(large)-1]
		t.prob[l] = 1
	}
	for len(small) > 0 {
		var s int
		s, small = small[len(small)-1], small[:len(small)-1]
		t.prob[s] = 1
	}
	return t
}

func (t *aliasTable) next(rng *rand.Rand) int {
	var (
		u = rng.Float64()
		i = rng.Intn(len(t.prob))
	)
	if u <= t.prob[i] {
		return i
	}
	return t.alias[i]
}
