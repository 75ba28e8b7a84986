package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

func cmdRead(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("shardset read", flag.ContinueOnError)
	var (
		dataset     = fs.String("dataset", "", "dataset to read (required)")
		version     = fs.String("version", "", "dataset version, newest prepared when empty")
		instruction = fs.String("instruction", "", "slice expression, e.g. 'train[:10]' (required)")
		limit       = fs.Int("limit", 0, "stop after this many records (0 = no limit)")
		configPath  = fs.String("config", "", "TOML file with persistent settings")
		dataDir     = fs.String("data-dir", "", "override the data directory")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *instruction == "" {
		fs.Usage()
		return fmt.Errorf("missing required flag -instruction")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg = cfg.override(*dataDir, "", "", 0)

	r, err := openDataset(cfg, *dataset, *version)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	var count int
	for record, err := range r.Read(ctx, *instruction) {
		if err != nil {
			return err
		}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	logger.Debug("read records",
		slog.String("instruction", *instruction),
		slog.Int("count", count),
	)
	return nil
}
