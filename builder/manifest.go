package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shardset/shardset/shard"
	"github.com/shardset/shardset/splits"
)

// ManifestName is the file marking a dataset-version directory as fully
// prepared. Its presence with a matching version is the sole signal of
// completeness; it is only ever written after every shard is durable.
const ManifestName = "manifest.json"

// Manifest is the durable record of one prepared dataset version.
type Manifest struct {
	Name       string         `json:"name"`
	Version    Version        `json:"version"`
	Splits     []splits.Info  `json:"splits"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	PreparedAt time.Time      `json:"prepared_at"`
}

// NotPreparedError reports an attempt to read a dataset version that has no
// valid manifest.
type NotPreparedError struct {
	Dataset string
	Version Version
}

func (e *NotPreparedError) Error() string {
	return fmt.Sprintf("dataset %s/%s is not prepared", e.Dataset, e.Version)
}

// Catalog builds the read-only split catalog over the manifest.
func (m *Manifest) Catalog() (*splits.Catalog, error) {
	return splits.NewCatalog(m.Splits)
}

// NumRecords returns the record count across all splits.
func (m *Manifest) NumRecords() int {
	var sum int
	for _, s := range m.Splits {
		sum += s.TotalRecords
	}
	return sum
}

// NumBytes returns the shard byte size across all splits.
func (m *Manifest) NumBytes() int64 {
	var sum int64
	for _, s := range m.Splits {
		sum += s.NumBytes
	}
	return sum
}

// ShardPath returns the path of one shard file under the dataset-version
// directory.
func (m *Manifest) ShardPath(dir string, s splits.Info, index int) string {
	return filepath.Join(dir, shard.Name(m.Name, s.Name, index, s.NumShards()))
}

// write persists the manifest into dir atomically: serialized to a temp file,
// synced, then renamed into place.
func (m *Manifest) write(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("builder: encoding manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestName+".tmp."+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("builder: creating manifest: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("builder: writing manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("builder: syncing manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("builder: closing manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("builder: committing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and decodes the manifest in a dataset-version directory.
// A missing file is reported as fs.ErrNotExist for the caller to translate.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("builder: decoding manifest in %s: %w", dir, err)
	}
	if m.Name == "" || len(m.Splits) == 0 {
		return nil, fmt.Errorf("builder: manifest in %s has no name or splits", dir)
	}
	return &m, nil
}

// validate checks that every shard file the manifest declares is present in
// dir. It does not re-hash shard contents.
func (m *Manifest) validate(dir string) error {
	for _, s := range m.Splits {
		for i := 0; i < s.NumShards(); i++ {
			path := m.ShardPath(dir, s, i)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("builder: split %q shard %d missing: %w", s.Name, i, err)
			}
		}
	}
	return nil
}

// loadPrepared loads and validates the manifest for a dataset version,
// translating every failure mode into NotPreparedError.
func loadPrepared(dir, dataset string, version Version) (*Manifest, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotPreparedError{Dataset: dataset, Version: version}
		}
		return nil, err
	}
	if m.Name != dataset || m.Version.Compare(version) != 0 {
		return nil, &NotPreparedError{Dataset: dataset, Version: version}
	}
	if err := m.validate(dir); err != nil {
		return nil, &NotPreparedError{Dataset: dataset, Version: version}
	}
	return m, nil
}
