package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardset/shardset/splits"
)

// prepareNumbered prepares a dataset whose train split holds n records
// tagged with their generation index.
func prepareNumbered(t *testing.T, numShards, n int) (string, *testDefinition) {
	t.Helper()
	b, dataDir := newTestBuilder(t)
	def := &testDefinition{
		name:    "demo",
		version: MustVersion("2.0.0"),
		gens:    []SplitGenerator{{Name: "train", NumShards: numShards, Examples: numbered("train", n)}},
	}
	_, err := b.Prepare(context.Background(), def)
	require.NoError(t, err)
	return dataDir, def
}

func readIndices(t *testing.T, r *Reader, instruction string) []int64 {
	t.Helper()
	var out []int64
	for rec, err := range r.Read(context.Background(), instruction) {
		require.NoError(t, err)
		out = append(out, rec.(map[string]any)["index"].(int64))
	}
	return out
}

func TestReaderStreamsInstructions(t *testing.T) {
	dataDir, def := prepareNumbered(t, 0, 10) // one size-rolled shard
	r, err := Open(dataDir, def.name, def.version, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, readIndices(t, r, "train"))
	assert.Equal(t, []int64{2, 3, 4}, readIndices(t, r, "train[2:5]"))
	assert.Equal(t, []int64{8, 9}, readIndices(t, r, "train[-2:]"))
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, readIndices(t, r, "train[:50%]"))
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 0, 1}, readIndices(t, r, "train[50%:]+train[:2]"))
}

func TestReaderOrderIsShardConcatenation(t *testing.T) {
	// Round-robin placement over 3 shards puts records [0 3 6], [1 4 7],
	// [2 5 8]; reading walks shards in order, not generation order.
	dataDir, def := prepareNumbered(t, 3, 9)
	r, err := Open(dataDir, def.name, def.version, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 3, 6, 1, 4, 7, 2, 5, 8}, readIndices(t, r, "train"))
	// [2:5] covers the tail of shard 0 and the head of shard 1.
	assert.Equal(t, []int64{6, 1, 4}, readIndices(t, r, "train[2:5]"))
}

func TestOpenUnprepared(t *testing.T) {
	_, err := Open(t.TempDir(), "demo", MustVersion("1.0.0"), nil)
	var notPrepared *NotPreparedError
	assert.ErrorAs(t, err, &notPrepared)
}

func TestReadUnknownSplit(t *testing.T) {
	dataDir, def := prepareNumbered(t, 1, 3)
	r, err := Open(dataDir, def.name, def.version, nil)
	require.NoError(t, err)

	var seen error
	for _, err := range r.Read(context.Background(), "exam[0:1]") {
		seen = err
		break
	}
	var unknown *splits.UnknownSplitError
	require.ErrorAs(t, seen, &unknown)
	assert.Equal(t, "exam", unknown.Split)
}

func TestReaderEarlyStop(t *testing.T) {
	dataDir, def := prepareNumbered(t, 2, 8)
	r, err := Open(dataDir, def.name, def.version, nil)
	require.NoError(t, err)

	var count int
	for _, err := range r.Read(context.Background(), "train") {
		require.NoError(t, err)
		if count++; count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestSelectionPaths(t *testing.T) {
	dataDir, def := prepareNumbered(t, 2, 8)
	r, err := Open(dataDir, def.name, def.version, nil)
	require.NoError(t, err)

	// 8 records over 2 shards land as [0 2 4 6] and [1 3 5 7]; positions
	// 3..5 span the shard boundary.
	sels, err := r.Resolve("train[3:6]")
	require.NoError(t, err)
	require.Len(t, sels, 2)
	for _, sel := range sels {
		path, err := r.SelectionPath(sel)
		require.NoError(t, err)
		assert.FileExists(t, path)
	}

	_, err = r.SelectionPath(splits.Selection{Split: "exam"})
	assert.Error(t, err)
}
