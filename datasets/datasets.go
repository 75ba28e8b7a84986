// Package datasets is the registry of shipped dataset definitions. Dataset
// packages register themselves at init time; commands import them blank and
// look definitions up by name.
package datasets

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shardset/shardset/builder"
)

var (
	mu   sync.RWMutex
	defs = make(map[string]builder.Definition)
)

// Register makes a definition available under its name. Registering twice
// under one name is a programmer error and panics.
func Register(def builder.Definition) {
	mu.Lock()
	defer mu.Unlock()
	name := def.Name()
	if name == "" {
		panic("datasets: Register with empty name")
	}
	if _, dup := defs[name]; dup {
		panic(fmt.Sprintf("datasets: Register called twice for %q", name))
	}
	defs[name] = def
}

// Lookup returns the definition registered under name, if any.
func Lookup(name string) (builder.Definition, bool) {
	mu.RLock()
	defer mu.RUnlock()
	def, ok := defs[name]
	return def, ok
}

// Names lists every registered dataset name in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
