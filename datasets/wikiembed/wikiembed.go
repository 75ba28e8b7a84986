// Package wikiembed prepares Cohere's Wikipedia embedding corpus from
// HuggingFace: numbered parquet part files fetched through the download
// cache, one record per embedded passage with its 1024-dim vector.
// See: https://huggingface.co/datasets/Cohere/wikipedia-2023-11-embed-multilingual-v3
package wikiembed

import (
	"context"
	"fmt"
	"iter"
	"os"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/shardset/shardset/builder"
	"github.com/shardset/shardset/datasets"
	"github.com/shardset/shardset/download"
)

func init() {
	datasets.Register(New(Config{}))
}

const (
	baseURL    = "https://huggingface.co/datasets/Cohere/wikipedia-2023-11-embed-multilingual-v3/resolve/main"
	vectorDims = 1024

	// Column order of the upstream parquet schema (_id, url, title, text, emb).
	colID    = 0
	colURL   = 1
	colTitle = 2
	colText  = 3
	colEmb   = 4
)

// Config selects which part of the corpus to prepare. Zero fields take the
// defaults.
type Config struct {
	// Language is the subset directory on HuggingFace, e.g. "en" or
	// "simple". Defaults to "simple", the smallest complete subset.
	Language string

	// Parts is how many of the subset's numbered parquet files to ingest.
	// Defaults to 2.
	Parts int
}

// Dataset implements builder.Definition for the embedding corpus.
type Dataset struct {
	cfg Config
}

// New returns a definition with zero config fields replaced by defaults.
func New(cfg Config) *Dataset {
	if cfg.Language == "" {
		cfg.Language = "simple"
	}
	if cfg.Parts <= 0 {
		cfg.Parts = 2
	}
	return &Dataset{cfg: cfg}
}

func (d *Dataset) Name() string { return "wikiembed" }

func (d *Dataset) Version() builder.Version { return builder.MustVersion("1.0.0") }

func (d *Dataset) Metadata() map[string]any {
	return map[string]any{
		"source":   baseURL,
		"language": d.cfg.Language,
		"parts":    d.cfg.Parts,
		"dims":     vectorDims,
	}
}

// SplitGenerators fetches every parquet part up front, then declares a single
// size-rolled train split streaming over the cached files.
func (d *Dataset) SplitGenerators(ctx context.Context, dl *download.Manager) ([]builder.SplitGenerator, error) {
	urls := make([]string, d.cfg.Parts)
	for i := range urls {
		urls[i] = partURL(d.cfg.Language, i)
	}
	resolved, err := dl.DownloadTree(ctx, urls)
	if err != nil {
		return nil, err
	}
	return []builder.SplitGenerator{
		{Name: "train", Examples: partExamples(resolved.([]string))},
	}, nil
}

// partURL returns the download URL of one numbered part. Parts are named
// 0000.parquet, 0001.parquet and so on.
func partURL(language string, idx int) string {
	return fmt.Sprintf("%s/%s/%04d.parquet?download=true", baseURL, language, idx)
}

// partExamples streams the rows of the cached parquet parts in file order.
func partExamples(paths []string) func(context.Context) iter.Seq2[builder.Example, error] {
	return func(_ context.Context) iter.Seq2[builder.Example, error] {
		return func(yield func(builder.Example, error) bool) {
			for _, path := range paths {
				rows, err := readPart(path)
				if err != nil {
					yield(builder.Example{}, err)
					return
				}
				for _, row := range rows {
					ex := builder.Example{Key: row["id"].(string), Record: row}
					if !yield(ex, nil) {
						return
					}
				}
			}
		}
	}
}

// readPart decodes one parquet part into records. Columns are read by
// position rather than by name, matching the upstream schema order.
func readPart(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wikiembed: reading %s: %w", path, err)
	}
	pr, err := reader.NewParquetColumnReader(buffer.NewBufferFileFromBytesNoAlloc(data), 1)
	if err != nil {
		return nil, fmt.Errorf("wikiembed: opening %s: %w", path, err)
	}
	defer pr.ReadStop()
	n := pr.GetNumRows()

	read := func(col, count int64) ([]any, error) {
		values, _, _, err := pr.ReadColumnByIndex(col, count)
		if err != nil {
			return nil, fmt.Errorf("wikiembed: %s: reading column %d: %w", path, col, err)
		}
		return values, nil
	}
	ids, err := read(colID, n)
	if err != nil {
		return nil, err
	}
	urls, err := read(colURL, n)
	if err != nil {
		return nil, err
	}
	titles, err := read(colTitle, n)
	if err != nil {
		return nil, err
	}
	texts, err := read(colText, n)
	if err != nil {
		return nil, err
	}
	embs, err := read(colEmb, n*vectorDims)
	if err != nil {
		return nil, err
	}
	return assemble(ids, urls, titles, texts, embs)
}

// assemble zips flattened column values back into per-row records. The emb
// column is a fixed-length list, so its leaf values arrive flattened to
// n*vectorDims entries.
func assemble(ids, urls, titles, texts, embs []any) ([]map[string]any, error) {
	n := len(ids)
	if len(urls) != n || len(titles) != n || len(texts) != n {
		return nil, fmt.Errorf("wikiembed: column lengths disagree: id=%d url=%d title=%d text=%d",
			n, len(urls), len(titles), len(texts))
	}
	if len(embs) != n*vectorDims {
		return nil, fmt.Errorf("wikiembed: got %d embedding values for %d rows of %d dims",
			len(embs), n, vectorDims)
	}

	rows := make([]map[string]any, n)
	for i := range rows {
		id, err := stringAt("_id", ids, i)
		if err != nil {
			return nil, err
		}
		url, err := stringAt("url", urls, i)
		if err != nil {
			return nil, err
		}
		title, err := stringAt("title", titles, i)
		if err != nil {
			return nil, err
		}
		text, err := stringAt("text", texts, i)
		if err != nil {
			return nil, err
		}
		vec := make([]float32, vectorDims)
		for j := range vec {
			f, ok := embs[i*vectorDims+j].(float32)
			if !ok {
				return nil, fmt.Errorf("wikiembed: row %d: embedding value is %T, want float32",
					i, embs[i*vectorDims+j])
			}
			vec[j] = f
		}
		rows[i] = map[string]any{
			"id":    id,
			"url":   url,
			"title": title,
			"text":  text,
			"emb":   vec,
		}
	}
	return rows, nil
}

func stringAt(column string, values []any, i int) (string, error) {
	s, ok := values[i].(string)
	if !ok {
		return "", fmt.Errorf("wikiembed: row %d: %s is %T, want string", i, column, values[i])
	}
	return s, nil
}
