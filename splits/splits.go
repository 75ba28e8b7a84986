// Package splits models the named partitions of a prepared dataset and the
// instruction algebra used to address sub-ranges of them across shard
// boundaries.
package splits

import (
	"fmt"
	"strings"
)

// Conventional split names.
const (
	Train      = "train"
	Validation = "validation"
	Test       = "test"
)

// Info describes one prepared split. Immutable once the dataset's manifest
// is written.
type Info struct {
	Name string `json:"name"`
	// DeclaredShards is the shard count the dataset declared upfront.
	// Zero means the writer decided at write time.
	DeclaredShards int   `json:"declared_shards,omitempty"`
	TotalRecords   int   `json:"total_records"`
	ShardLengths   []int `json:"shard_lengths"`
	NumBytes       int64 `json:"num_bytes"`
	// ShardChecksums holds the hex SHA-256 of each shard file, when the
	// dataset version records them.
	ShardChecksums []string `json:"shard_checksums,omitempty"`
}

// NumShards returns the realized shard count.
func (i Info) NumShards() int { return len(i.ShardLengths) }

// cumulative returns len(ShardLengths)+1 prefix sums of the shard lengths,
// so shard k spans global records [cum[k], cum[k+1]).
func (i Info) cumulative() []int {
	cum := make([]int, len(i.ShardLengths)+1)
	for k, n := range i.ShardLengths {
		cum[k+1] = cum[k] + n
	}
	return cum
}

// UnknownSplitError reports a reference to a split the catalog does not have.
type UnknownSplitError struct {
	Split     string
	Available []string
}

func (e *UnknownSplitError) Error() string {
	return fmt.Sprintf("unknown split %q, available: %s", e.Split, strings.Join(e.Available, ", "))
}

// Catalog is the read-only view over a prepared dataset's splits.
type Catalog struct {
	infos  []Info
	byName map[string]int
}

// NewCatalog builds a catalog from an ordered split list. Split names must be
// unique and shard lengths must sum to the recorded total.
func NewCatalog(infos []Info) (*Catalog, error) {
	c := &Catalog{
		infos:  make([]Info, len(infos)),
		byName: make(map[string]int, len(infos)),
	}
	copy(c.infos, infos)
	for idx, info := range c.infos {
		if info.Name == "" {
			return nil, fmt.Errorf("splits: split %d has no name", idx)
		}
		if _, dup := c.byName[info.Name]; dup {
			return nil, fmt.Errorf("splits: duplicate split %q", info.Name)
		}
		var sum int
		for _, n := range info.ShardLengths {
			if n < 0 {
				return nil, fmt.Errorf("splits: split %q has negative shard length", info.Name)
			}
			sum += n
		}
		if sum != info.TotalRecords {
			return nil, fmt.Errorf("splits: split %q shard lengths sum to %d, total records is %d",
				info.Name, sum, info.TotalRecords)
		}
		c.byName[info.Name] = idx
	}
	return c, nil
}

// Splits returns the splits in manifest order.
func (c *Catalog) Splits() []Info {
	out := make([]Info, len(c.infos))
	copy(out, c.infos)
	return out
}

// Split looks a split up by name.
func (c *Catalog) Split(name string) (Info, error) {
	idx, ok := c.byName[name]
	if !ok {
		return Info{}, &UnknownSplitError{Split: name, Available: c.Names()}
	}
	return c.infos[idx], nil
}

// Names returns the split names in manifest order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.infos))
	for i, info := range c.infos {
		names[i] = info.Name
	}
	return names
}

// TotalRecords returns the record count across all splits.
func (c *Catalog) TotalRecords() int {
	var sum int
	for _, info := range c.infos {
		sum += info.TotalRecords
	}
	return sum
}
