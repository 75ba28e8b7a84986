// Command shardset prepares datasets and reads slices of them.
//
// Usage:
//
//	shardset prepare -dataset synthetic
//	shardset info -dataset synthetic
//	shardset slice -dataset synthetic -instruction 'train[:75%]+validation'
//	shardset read -dataset synthetic -instruction 'train[:10]'
//
// Every subcommand accepts -config pointing at a TOML file with persistent
// settings; flags override the file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/shardset/shardset/builder"

	_ "github.com/shardset/shardset/datasets/synthetic"
	_ "github.com/shardset/shardset/datasets/wikiembed"
)

func main() {
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		logger.Error("top-level error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no subcommand given")
	}
	switch args[0] {
	case "prepare":
		return cmdPrepare(ctx, logger, args[1:])
	case "info":
		return cmdInfo(ctx, logger, args[1:])
	case "slice":
		return cmdSlice(ctx, logger, args[1:])
	case "read":
		return cmdRead(ctx, logger, args[1:])
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `shardset prepares datasets and reads slices of them.

Usage:

  shardset <subcommand> [flags]

Subcommands:

  prepare  download inputs and build a dataset version
  info     show a prepared dataset version
  slice    resolve a slice expression to shard file regions
  read     stream the records of a slice expression as JSON lines

Run 'shardset <subcommand> -h' for the flags of each subcommand.
`)
}

// openDataset opens the reader for a prepared dataset, picking the newest
// prepared version when none is given.
func openDataset(cfg config, dataset, version string) (*builder.Reader, error) {
	if dataset == "" {
		return nil, fmt.Errorf("missing required flag -dataset")
	}
	var v builder.Version
	if version == "" {
		prepared, err := builder.Versions(cfg.DataDir, dataset)
		if err != nil || len(prepared) == 0 {
			return nil, fmt.Errorf("no prepared versions of %s under %s", dataset, cfg.DataDir)
		}
		v = prepared[len(prepared)-1]
	} else {
		parsed, err := builder.ParseVersion(version)
		if err != nil {
			return nil, err
		}
		v = parsed
	}
	return builder.Open(cfg.DataDir, dataset, v, nil)
}
