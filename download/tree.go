package download

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DownloadTree fetches every URL in a tree of strings, slices, and
// string-keyed maps, concurrently up to the worker limit, and returns a tree
// of identical shape with each URL replaced by its local path. URLs appearing
// more than once resolve to the same artifact.
func (m *Manager) DownloadTree(ctx context.Context, tree any) (any, error) {
	return m.resolveTree(ctx, tree, m.Download)
}

// DownloadAndExtractTree is DownloadTree composed with extraction: every leaf
// resolves to its extraction directory.
func (m *Manager) DownloadAndExtractTree(ctx context.Context, tree any) (any, error) {
	return m.resolveTree(ctx, tree, m.DownloadAndExtract)
}

func (m *Manager) resolveTree(ctx context.Context, tree any, op func(context.Context, string) (string, error)) (any, error) {
	urls := make(map[string]struct{})
	if err := collectURLs(tree, urls); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(urls))
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.workers)
	for url := range urls {
		eg.Go(func() error {
			local, err := op(ctx, url)
			if err != nil {
				return err
			}
			mu.Lock()
			results[url] = local
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return substitute(tree, results)
}

func collectURLs(tree any, into map[string]struct{}) error {
	switch v := tree.(type) {
	case string:
		into[v] = struct{}{}
	case []string:
		for _, u := range v {
			into[u] = struct{}{}
		}
	case []any:
		for _, node := range v {
			if err := collectURLs(node, into); err != nil {
				return err
			}
		}
	case map[string]string:
		for _, u := range v {
			into[u] = struct{}{}
		}
	case map[string]any:
		for _, node := range v {
			if err := collectURLs(node, into); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("download: unsupported tree node type %T", tree)
	}
	return nil
}

func substitute(tree any, results map[string]string) (any, error) {
	switch v := tree.(type) {
	case string:
		return results[v], nil
	case []string:
		out := make([]string, len(v))
		for i, u := range v {
			out[i] = results[u]
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, node := range v {
			sub, err := substitute(node, results)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, u := range v {
			out[k] = results[u]
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, node := range v {
			sub, err := substitute(node, results)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	default:
		return nil, fmt.Errorf("download: unsupported tree node type %T", tree)
	}
}
