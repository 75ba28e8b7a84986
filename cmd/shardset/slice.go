package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
)

func cmdSlice(_ context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("shardset slice", flag.ContinueOnError)
	var (
		dataset     = fs.String("dataset", "", "dataset to resolve against (required)")
		version     = fs.String("version", "", "dataset version, newest prepared when empty")
		instruction = fs.String("instruction", "", "slice expression, e.g. 'train[:75%]+validation' (required)")
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

	selections, err := r.Resolve(*instruction)
	if err != nil {
		return err
	}
	logger.Debug("resolved instruction",
		slog.String("instruction", *instruction),
		slog.Int("selections", len(selections)),
	)

	// One line per selection: split, shard index, record range, shard path.
	for _, sel := range selections {
		path, err := r.SelectionPath(sel)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\t[%d:%d)\t%s\n", sel.Split, sel.Shard, sel.Start, sel.End, path)
	}
	return nil
}
