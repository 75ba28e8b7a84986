package builder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 2, Patch: 3}, v)
	assert.Equal(t, "1.2.3", v.String())

	v, err = ParseVersion("0.0.0")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", v.String())
}

func TestParseVersionErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"1",
		"1.2",
		"1.2.3.4",
		"1.2.x",
		"-1.0.0",
		"1.02.0",
		"v1.2.3",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseVersion(in)
			require.Error(t, err)
		})
	}
}

func TestMustVersionPanics(t *testing.T) {
	assert.NotPanics(t, func() { MustVersion("2.0.0") })
	assert.Panics(t, func() { MustVersion("latest") })
}

func TestVersionCompare(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.0.1", "1.0.0", 1},
		{"1.9.9", "2.0.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.10.0", "1.2.0", 1},
	} {
		assert.Equal(t, tc.want, MustVersion(tc.a).Compare(MustVersion(tc.b)), "%s vs %s", tc.a, tc.b)
	}
}

func TestVersionJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(MustVersion("3.1.4"))
	require.NoError(t, err)
	assert.Equal(t, `"3.1.4"`, string(data))

	var v Version
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, 0, v.Compare(MustVersion("3.1.4")))

	require.Error(t, json.Unmarshal([]byte(`"not-a-version"`), &v))
	require.Error(t, json.Unmarshal([]byte(`7`), &v))
}

func TestExperimentDefaultsByVersion(t *testing.T) {
	assert.False(t, MustVersion("0.9.0").ExperimentEnabled(ExperimentLiquidShards))
	assert.True(t, MustVersion("1.0.0").ExperimentEnabled(ExperimentLiquidShards))
	assert.True(t, MustVersion("2.3.1").ExperimentEnabled(ExperimentLiquidShards))

	assert.False(t, MustVersion("1.9.9").ExperimentEnabled(ExperimentShardHashes))
	assert.True(t, MustVersion("2.0.0").ExperimentEnabled(ExperimentShardHashes))
}

func TestExperimentOverridesWin(t *testing.T) {
	old := MustVersion("0.5.0").WithExperiment(ExperimentLiquidShards, true)
	assert.True(t, old.ExperimentEnabled(ExperimentLiquidShards))
	assert.False(t, old.ExperimentEnabled(ExperimentShardHashes), "unrelated experiments keep their default")

	pinned := MustVersion("2.0.0").WithExperiment(ExperimentShardHashes, false)
	assert.False(t, pinned.ExperimentEnabled(ExperimentShardHashes))
	assert.True(t, pinned.ExperimentEnabled(ExperimentLiquidShards))
}

func TestWithExperimentDoesNotMutate(t *testing.T) {
	base := MustVersion("1.0.0")
	derived := base.WithExperiment(ExperimentShardHashes, true)
	assert.True(t, derived.ExperimentEnabled(ExperimentShardHashes))
	assert.False(t, base.ExperimentEnabled(ExperimentShardHashes))
}

func TestExperimentString(t *testing.T) {
	assert.Equal(t, "liquid_shards", ExperimentLiquidShards.String())
	assert.Equal(t, "shard_hashes", ExperimentShardHashes.String())
}
