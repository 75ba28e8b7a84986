package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// config holds the persistent settings shared by every subcommand.
type config struct {
	// DataDir is the root under which prepared datasets live.
	DataDir string `toml:"data_dir"`
	// CacheDir is the download cache root.
	CacheDir string `toml:"cache_dir"`
	// Workers bounds concurrent downloads during preparation.
	Workers int `toml:"workers"`
	// LedgerDSN, when set, is a MySQL DSN preparation runs are recorded to.
	LedgerDSN string `toml:"ledger_dsn"`
}

func defaultConfig() config {
	return config{
		DataDir:  defaultDir("SHARDSET_DATA_DIR", "data"),
		CacheDir: defaultDir("SHARDSET_CACHE_DIR", "cache"),
		Workers:  16,
	}
}

// defaultDir resolves one of the root directories: the environment variable
// when set, otherwise ~/.shardset/<name>, or the system temp directory when
// the home directory is unknown.
func defaultDir(envVar, name string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shardset", name)
	}
	return filepath.Join(home, ".shardset", name)
}

// loadConfig returns the defaults overlaid with the TOML file at path, when
// one is given.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// override applies non-zero flag values over the loaded config.
func (c config) override(dataDir, cacheDir, ledgerDSN string, workers int) config {
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if cacheDir != "" {
		c.CacheDir = cacheDir
	}
	if ledgerDSN != "" {
		c.LedgerDSN = ledgerDSN
	}
	if workers > 0 {
		c.Workers = workers
	}
	return c
}
