package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/shardset/shardset/builder"
	"github.com/shardset/shardset/checksums"
	"github.com/shardset/shardset/datasets"
	"github.com/shardset/shardset/download"
)

func cmdPrepare(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("shardset prepare", flag.ContinueOnError)
	var (
		dataset       = fs.String("dataset", "", "dataset to prepare (required)")
		configPath    = fs.String("config", "", "TOML file with persistent settings")
		dataDir       = fs.String("data-dir", "", "override the data directory")
		cacheDir      = fs.String("cache-dir", "", "override the download cache directory")
		workers       = fs.Int("workers", 0, "override the concurrent download limit")
		force         = fs.Bool("force", false, "rebuild even if the version is already prepared")
		checksumsPath = fs.String("checksums", "", "checksum file to verify downloads against")
		manualDir     = fs.String("manual-dir", "", "directory holding manually fetched artifacts")
		ledgerDSN     = fs.String("ledger-dsn", "", "MySQL DSN to record the run in")
		quiet         = fs.Bool("quiet", false, "suppress progress bars")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataset == "" {
		fs.Usage()
		return fmt.Errorf("missing required flag -dataset (registered datasets: %s)",
			strings.Join(datasets.Names(), ", "))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg = cfg.override(*dataDir, *cacheDir, *ledgerDSN, *workers)

	def, ok := datasets.Lookup(*dataset)
	if !ok {
		return fmt.Errorf("unknown dataset %q, registered: %s",
			*dataset, strings.Join(datasets.Names(), ", "))
	}

	store := checksums.NewStore()
	if *checksumsPath != "" {
		n, err := store.LoadFile(*checksumsPath)
		if err != nil {
			return fmt.Errorf("loading checksums: %w", err)
		}
		logger.Info("loaded checksums",
			slog.String("file", *checksumsPath),
			slog.Int("urls", n),
		)
	}

	var bars *progressBars
	if !*quiet {
		bars = newProgressBars()
	}

	opts := []download.ManagerOption{
		download.WithChecksums(store),
		download.WithWorkers(cfg.Workers),
		download.WithLogger(logger),
	}
	if *manualDir != "" {
		opts = append(opts, download.WithManualDir(*manualDir))
	}
	if *force {
		opts = append(opts, download.WithForceDownload(true))
	}
	if bars != nil {
		opts = append(opts, download.WithProgress(bars.downloadEvent))
	}
	dl, err := download.NewManager(cfg.CacheDir, opts...)
	if err != nil {
		return err
	}

	bcfg := builder.BuilderConfig{
		DataDir:  cfg.DataDir,
		Download: dl,
		Executor: &builder.PoolExecutor{Logger: logger},
		Logger:   logger,
		Force:    *force,
	}
	if bars != nil {
		bcfg.Progress = bars.builderEvent
	}
	b, err := builder.New(bcfg)
	if err != nil {
		return err
	}

	var runs *ledger
	if cfg.LedgerDSN != "" {
		runs, err = openLedger(ctx, cfg.LedgerDSN)
		if err != nil {
			return fmt.Errorf("connecting to ledger: %w", err)
		}
		defer runs.Close()
		logger.Info("connected to mysql, will record the run there")
	}

	start := time.Now()
	m, prepErr := b.Prepare(ctx, def)
	if bars != nil {
		bars.finish()
	}

	if runs != nil {
		rec := runRecord{
			dataset:  def.Name(),
			version:  def.Version(),
			state:    builder.StatePrepared,
			duration: time.Since(start),
			err:      prepErr,
		}
		if prepErr != nil {
			rec.state = builder.StateFailed
		} else {
			rec.records = m.NumRecords()
			rec.bytes = m.NumBytes()
		}
		// The run context may already be cancelled; the outcome row is
		// written with its own deadline.
		lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := runs.record(lctx, rec); err != nil {
			logger.Warn("failed to record run in ledger", slog.Any("error", err))
		}
		cancel()
	}
	if prepErr != nil {
		return prepErr
	}

	fmt.Printf("prepared %s/%s: %s records, %s across %d splits in %s\n",
		m.Name, m.Version,
		humanize.Comma(int64(m.NumRecords())),
		humanize.IBytes(uint64(m.NumBytes())),
		len(m.Splits),
		time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// progressBars renders download bytes and per-split record counts on the
// terminal. Both callbacks may fire from different goroutines.
type progressBars struct {
	mu       sync.Mutex
	download *progressbar.ProgressBar
	received map[string]int64
	records  *progressbar.ProgressBar
	split    string
}

func newProgressBars() *progressBars {
	return &progressBars{received: make(map[string]int64)}
}

// downloadEvent folds per-URL progress into one byte counter.
func (p *progressBars) downloadEvent(ev download.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.download == nil {
		p.download = progressbar.DefaultBytes(-1, "downloading")
	}
	if delta := ev.Received - p.received[ev.URL]; delta > 0 {
		p.download.Add64(delta)
		p.received[ev.URL] = ev.Received
	}
}

func (p *progressBars) builderEvent(ev builder.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.split != ev.Split {
		if p.records != nil {
			p.records.Finish()
		}
		p.records = progressbar.Default(-1, "writing "+ev.Split)
		p.split = ev.Split
	}
	p.records.Set(ev.Records)
	if ev.Done {
		p.records.Finish()
	}
}

func (p *progressBars) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.download != nil {
		p.download.Finish()
	}
	if p.records != nil {
		p.records.Finish()
	}
}
