package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

func cmdInfo(_ context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("shardset info", flag.ContinueOnError)
	var (
		dataset    = fs.String("dataset", "", "dataset to describe (required)")
		version    = fs.String("version", "", "dataset version, newest prepared when empty")
		configPath = fs.String("config", "", "TOML file with persistent settings")
		dataDir    = fs.String("data-dir", "", "override the data directory")
	)
	if err := fs.Parse(args); err != nil {
		return err
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
	m := r.Manifest()
	logger.Debug("opened dataset",
		slog.String("dataset", m.Name),
		slog.String("version", m.Version.String()),
	)

	fmt.Printf("%s/%s\n", m.Name, m.Version)
	fmt.Printf("prepared %s, %s records, %s\n",
		m.PreparedAt.Format(time.RFC3339),
		humanize.Comma(int64(m.NumRecords())),
		humanize.IBytes(uint64(m.NumBytes())),
	)
	for _, s := range m.Splits {
		fmt.Printf("  %-12s %4d shards %10s records %12s\n",
			s.Name,
			s.NumShards(),
			humanize.Comma(int64(s.TotalRecords)),
			humanize.IBytes(uint64(s.NumBytes)),
		)
	}
	if len(m.Metadata) > 0 {
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		fmt.Printf("metadata: %s\n", meta)
	}
	return nil
}
