package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SHARDSET_DATA_DIR", "/srv/shardset/data")
	t.Setenv("SHARDSET_CACHE_DIR", "/srv/shardset/cache")

	cfg := defaultConfig()
	assert.Equal(t, "/srv/shardset/data", cfg.DataDir)
	assert.Equal(t, "/srv/shardset/cache", cfg.CacheDir)
	assert.Equal(t, 16, cfg.Workers)
	assert.Empty(t, cfg.LedgerDSN)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardset.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/data"
workers = 4
ledger_dsn = "user:pass@tcp(localhost:3306)/runs"
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/runs", cfg.LedgerDSN)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, defaultConfig().CacheDir, cfg.CacheDir)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestOverride(t *testing.T) {
	cfg := config{DataDir: "a", CacheDir: "b", Workers: 16}

	assert.Equal(t, cfg, cfg.override("", "", "", 0))
	assert.Equal(t,
		config{DataDir: "x", CacheDir: "y", Workers: 3, LedgerDSN: "dsn"},
		cfg.override("x", "y", "dsn", 3))
}
