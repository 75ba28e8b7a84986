package datasets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardset/shardset/builder"
	"github.com/shardset/shardset/download"
)

type stubDefinition struct {
	name string
}

func (d stubDefinition) Name() string             { return d.name }
func (d stubDefinition) Version() builder.Version { return builder.MustVersion("1.0.0") }
func (d stubDefinition) Metadata() map[string]any { return nil }
func (d stubDefinition) SplitGenerators(context.Context, *download.Manager) ([]builder.SplitGenerator, error) {
	return nil, nil
}

func init() {
	Register(stubDefinition{name: "beta"})
	Register(stubDefinition{name: "alpha"})
}

func TestLookup(t *testing.T) {
	def, ok := Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", def.Name())

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"alpha", "beta"}, Names())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(stubDefinition{name: "alpha"})
	})
}

func TestRegisterEmptyNamePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(stubDefinition{})
	})
}
