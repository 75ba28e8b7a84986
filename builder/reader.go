package builder

import (
	"context"
	"fmt"
	"iter"

	"github.com/shardset/shardset/recordio"
	"github.com/shardset/shardset/splits"
)

// Reader streams records of a prepared dataset addressed by read
// instructions.
type Reader struct {
	dir     string
	m       *Manifest
	catalog *splits.Catalog
	codec   recordio.Codec
}

// OpenReader opens a reader over an already loaded manifest. The directory
// is the dataset-version directory holding the manifest's shards.
func OpenReader(dir string, m *Manifest, codec recordio.Codec) (*Reader, error) {
	if codec == nil {
		codec = recordio.New()
	}
	catalog, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, m: m, catalog: catalog, codec: codec}, nil
}

// Open loads the manifest of one dataset version under dataDir and opens a
// reader over it. Fails with *NotPreparedError when the version has no valid
// manifest, so callers never read partial data.
func Open(dataDir, dataset string, version Version, codec recordio.Codec) (*Reader, error) {
	dir := DatasetDir(dataDir, dataset, version)
	m, err := loadPrepared(dir, dataset, version)
	if err != nil {
		return nil, err
	}
	return OpenReader(dir, m, codec)
}

// Manifest returns the manifest the reader was opened over.
func (r *Reader) Manifest() *Manifest { return r.m }

// Catalog returns the split catalog the reader resolves against.
func (r *Reader) Catalog() *splits.Catalog { return r.catalog }

// Resolve translates an instruction into the shard-local selections it
// covers, without reading anything.
func (r *Reader) Resolve(instruction string) ([]splits.Selection, error) {
	return splits.Resolve(instruction, r.catalog)
}

// SelectionPath returns the shard file a selection reads from.
func (r *Reader) SelectionPath(sel splits.Selection) (string, error) {
	info, err := r.catalog.Split(sel.Split)
	if err != nil {
		return "", err
	}
	return r.m.ShardPath(r.dir, info, sel.Shard), nil
}

// Read resolves an instruction and streams the selected records in request
// order, selection by selection. A resolution failure surfaces as the first
// and only yielded error.
func (r *Reader) Read(ctx context.Context, instruction string) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		selections, err := splits.Resolve(instruction, r.catalog)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, sel := range selections {
			if !r.readSelection(ctx, sel, yield) {
				return
			}
		}
	}
}

// readSelection streams one selection's records; reports whether iteration
// should continue.
func (r *Reader) readSelection(ctx context.Context, sel splits.Selection, yield func(any, error) bool) bool {
	path, err := r.SelectionPath(sel)
	if err != nil {
		return yield(nil, err)
	}
	sr, err := r.codec.Reader(path)
	if err != nil {
		return yield(nil, fmt.Errorf("opening shard %d of split %q: %w", sel.Shard, sel.Split, err))
	}
	defer sr.Close()

	for record, err := range sr.Range(sel.Start, sel.End) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield(nil, ctxErr)
			return false
		}
		if !yield(record, err) || err != nil {
			return false
		}
	}
	return true
}
