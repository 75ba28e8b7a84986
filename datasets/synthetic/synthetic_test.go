package synthetic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardset/shardset/builder"
	"github.com/shardset/shardset/datasets"
	"github.com/shardset/shardset/download"
)

func collect(t *testing.T, d *Dataset, split string, n int) []map[string]any {
	t.Helper()
	var records []map[string]any
	for ex, err := range d.examples(split, n)(context.Background()) {
		require.NoError(t, err)
		require.NotEmpty(t, ex.Key)
		records = append(records, ex.Record.(map[string]any))
	}
	return records
}

func TestDefaults(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, 4096, d.cfg.TrainRecords)
	assert.Equal(t, 512, d.cfg.ValidationRecords)
	assert.Equal(t, 1024, d.cfg.TestRecords)
	assert.Equal(t, uint64(42), d.cfg.Seed)
	assert.Equal(t, "synthetic", d.Name())
	assert.Equal(t, builder.MustVersion("2.0.0"), d.Version())
}

func TestRegistered(t *testing.T) {
	def, ok := datasets.Lookup("synthetic")
	require.True(t, ok)
	assert.Equal(t, "synthetic", def.Name())
}

func TestExamplesDeterministic(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, collect(t, d, "train", 50), collect(t, d, "train", 50))

	// A fresh definition with the same seed generates the same stream.
	assert.Equal(t, collect(t, d, "train", 50), collect(t, New(Config{}), "train", 50))
}

func TestSeedChangesStream(t *testing.T) {
	base := collect(t, New(Config{}), "train", 10)
	other := collect(t, New(Config{Seed: 7}), "train", 10)
	assert.NotEqual(t, base[0]["text"], other[0]["text"])
}

func TestSplitStreamsIndependent(t *testing.T) {
	d := New(Config{})
	train := collect(t, d, "train", 10)
	test := collect(t, d, "test", 10)
	assert.NotEqual(t, train[0]["text"], test[0]["text"])
}

func TestRecordShape(t *testing.T) {
	d := New(Config{})
	for i, rec := range collect(t, d, "validation", 200) {
		require.Equal(t, fmt.Sprintf("validation-%08d", i), rec["id"])
		assert.Contains(t, labels, rec["label"])

		body := rec["text"].(string)
		assert.GreaterOrEqual(t, len(body), minTextLen)
		assert.Less(t, len(body), maxTextLen+16)

		score := rec["score"].(float64)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.Less(t, score, 1.0)
	}
}

func TestLabelsSkewed(t *testing.T) {
	d := New(Config{})
	counts := make(map[string]int)
	for _, rec := range collect(t, d, "train", 2000) {
		counts[rec["label"].(string)]++
	}

	total, most, fewest := 0, 0, 1<<30
	for _, n := range counts {
		total += n
		most = max(most, n)
		fewest = min(fewest, n)
	}
	assert.Equal(t, 2000, total)
	assert.Greater(t, most, fewest)
}

func TestSplitGenerators(t *testing.T) {
	gens, err := New(Config{}).SplitGenerators(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, gens, 3)

	byName := make(map[string]builder.SplitGenerator, len(gens))
	for _, gen := range gens {
		byName[gen.Name] = gen
	}
	assert.Equal(t, 8, byName["train"].NumShards)
	assert.Equal(t, 2, byName["validation"].NumShards)
	assert.Equal(t, 0, byName["test"].NumShards)
}

func TestPrepareEndToEnd(t *testing.T) {
	d := New(Config{TrainRecords: 40, ValidationRecords: 10, TestRecords: 5})
	dl, err := download.NewManager(t.TempDir())
	require.NoError(t, err)
	dataDir := t.TempDir()
	b, err := builder.New(builder.BuilderConfig{DataDir: dataDir, Download: dl})
	require.NoError(t, err)

	m, err := b.Prepare(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", m.Name)
	assert.Equal(t, 55, m.NumRecords())

	catalog, err := m.Catalog()
	require.NoError(t, err)

	train, err := catalog.Split("train")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 5, 5, 5, 5, 5, 5}, train.ShardLengths)
	assert.Len(t, train.ShardChecksums, 8)

	validation, err := catalog.Split("validation")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5}, validation.ShardLengths)

	test, err := catalog.Split("test")
	require.NoError(t, err)
	assert.Equal(t, 1, test.NumShards())
	assert.Equal(t, 5, test.TotalRecords)

	// Round-robin placement: shard 0 of train holds generation indices
	// 0, 8, 16, 24, 32, and reads walk shards in order.
	r, err := builder.Open(dataDir, "synthetic", d.Version(), nil)
	require.NoError(t, err)
	var ids []string
	for rec, err := range r.Read(context.Background(), "train[:3]") {
		require.NoError(t, err)
		ids = append(ids, rec.(map[string]any)["id"].(string))
	}
	assert.Equal(t, []string{"train-00000000", "train-00000008", "train-00000016"}, ids)
}
