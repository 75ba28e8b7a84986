// Package download fetches remote resources into a content-addressed local
// cache, verifying them against known checksums, and extracts archives. A
// resource is fetched at most once: repeated and concurrent requests for the
// same URL share one cached artifact.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/shardset/shardset/checksums"
)

// Event reports download progress for one URL. Total is -1 when the server
// does not announce a length.
type Event struct {
	URL      string
	Received int64
	Total    int64
	Done     bool
}

// IntegrityError reports a downloaded artifact that does not match its
// recorded checksum. Not retryable: the source is corrupted or tampered with.
type IntegrityError struct {
	URL            string
	ExpectedSize   int64
	ActualSize     int64
	ExpectedSHA256 string
	ActualSHA256   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: size %d/%d, sha256 %s/%s (expected/actual)",
		e.URL, e.ExpectedSize, e.ActualSize, e.ExpectedSHA256, e.ActualSHA256)
}

// Manager is the download cache. All methods are safe for concurrent use.
type Manager struct {
	dir           string
	store         *checksums.Store
	client        *http.Client
	logger        *slog.Logger
	workers       int
	progress      func(Event)
	newBackoff    func() backoff.BackOff
	manualDir     string
	forceDownload bool
	forceExtract  bool

	flight singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithChecksums attaches the store used to verify downloaded bytes. Without
// it every URL is treated as unknown and accepted permissively.
func WithChecksums(store *checksums.Store) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithWorkers bounds the number of concurrent fetches in batch operations.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) { m.workers = n }
}

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) { m.client = client }
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithProgress registers a callback for progress events. The callback runs on
// fetch goroutines and must not block.
func WithProgress(fn func(Event)) ManagerOption {
	return func(m *Manager) { m.progress = fn }
}

// WithBackoff overrides the retry policy constructor for fetches.
func WithBackoff(fn func() backoff.BackOff) ManagerOption {
	return func(m *Manager) { m.newBackoff = fn }
}

// WithManualDir points at a directory of pre-fetched files. A file named
// after a URL's base name is verified and used without network I/O, for
// resources that cannot be fetched automatically.
func WithManualDir(dir string) ManagerOption {
	return func(m *Manager) { m.manualDir = dir }
}

// WithForceDownload makes Download ignore cached artifacts and fetch again.
func WithForceDownload(force bool) ManagerOption {
	return func(m *Manager) { m.forceDownload = force }
}

// WithForceExtract makes Extract ignore memoized extractions and extract
// again.
func WithForceExtract(force bool) ManagerOption {
	return func(m *Manager) { m.forceExtract = force }
}

// NewManager creates a download cache rooted at dir.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		dir:        dir,
		store:      checksums.NewStore(),
		client:     http.DefaultClient,
		logger:     slog.New(slog.DiscardHandler),
		workers:    16,
		newBackoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		return nil, fmt.Errorf("download: worker count %d", m.workers)
	}
	for _, sub := range []string{"downloads", "extracted"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("download: creating cache dir: %w", err)
		}
	}
	return m, nil
}

func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return backoff.WithMaxRetries(bo, 4)
}

// Checksums returns the store downloads are verified against.
func (m *Manager) Checksums() *checksums.Store { return m.store }

// Download fetches a URL into the cache and returns the local path. A cached,
// verified artifact is returned without network I/O. Concurrent calls for the
// same URL collapse into a single fetch.
func (m *Manager) Download(ctx context.Context, rawURL string) (string, error) {
	ch := m.flight.DoChan("dl:"+rawURL, func() (any, error) {
		return m.download(ctx, rawURL)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// DownloadAndExtract downloads a URL and extracts the artifact, returning the
// extraction directory.
func (m *Manager) DownloadAndExtract(ctx context.Context, rawURL string) (string, error) {
	local, err := m.Download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return m.Extract(ctx, local)
}

// DownloadChecksums downloads a checksum file (through the cache) and loads
// its records into the attached store. Returns the number of records loaded.
func (m *Manager) DownloadChecksums(ctx context.Context, rawURL string) (int, error) {
	local, err := m.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return m.store.LoadFile(local)
}

func (m *Manager) download(ctx context.Context, rawURL string) (string, error) {
	dest := m.downloadPath(rawURL)
	if !m.forceDownload {
		if hit := m.cachedArtifact(rawURL, dest); hit {
			m.logger.Debug("download cache hit", slog.String("url", rawURL))
			m.emitDone(rawURL, dest)
			return dest, nil
		}
		if manual, ok, err := m.manualArtifact(rawURL); err != nil {
			return "", err
		} else if ok {
			m.logger.Debug("using manual artifact", slog.String("url", rawURL), slog.String("path", manual))
			m.emitDone(rawURL, manual)
			return manual, nil
		}
	}

	start := time.Now()
	size, sum, err := m.fetch(ctx, rawURL, dest)
	if err != nil {
		return "", err
	}
	if err := m.writeSidecar(rawURL, dest, size, sum); err != nil {
		return "", err
	}
	m.logger.Info("downloaded",
		slog.String("url", rawURL),
		slog.Int64("bytes", size),
		slog.Duration("took", time.Since(start)),
	)
	return dest, nil
}

// sidecar marks a completed, verified download and records what was fetched.
type sidecar struct {
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func (m *Manager) writeSidecar(rawURL, dest string, size int64, sum string) error {
	data, err := json.Marshal(sidecar{URL: rawURL, Size: size, SHA256: sum})
	if err != nil {
		return fmt.Errorf("download: encoding sidecar: %w", err)
	}
	if err := os.WriteFile(dest+".json", data, 0o644); err != nil {
		return fmt.Errorf("download: writing sidecar: %w", err)
	}
	return nil
}

// cachedArtifact reports whether dest holds a completed download of rawURL
// that still verifies against the checksum store.
func (m *Manager) cachedArtifact(rawURL, dest string) bool {
	if _, err := os.Stat(dest); err != nil {
		return false
	}
	data, err := os.ReadFile(dest + ".json")
	if err != nil {
		return false
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil || sc.URL != rawURL {
		return false
	}
	return m.store.Verify(rawURL, sc.Size, sc.SHA256)
}

func (m *Manager) manualArtifact(rawURL string) (string, bool, error) {
	if m.manualDir == "" {
		return "", false, nil
	}
	local := filepath.Join(m.manualDir, urlBaseName(rawURL))
	if _, err := os.Stat(local); err != nil {
		return "", false, nil
	}
	sum, size, err := checksums.HashFile(local)
	if err != nil {
		return "", false, fmt.Errorf("download: hashing manual file: %w", err)
	}
	if !m.store.Verify(rawURL, size, sum) {
		exp, _ := m.store.Lookup(rawURL)
		return "", false, &IntegrityError{
			URL:            rawURL,
			ExpectedSize:   exp.Size,
			ActualSize:     size,
			ExpectedSHA256: exp.SHA256,
			ActualSHA256:   sum,
		}
	}
	return local, true, nil
}

func (m *Manager) emitDone(rawURL, local string) {
	if m.progress == nil {
		return
	}
	var size int64 = -1
	if st, err := os.Stat(local); err == nil {
		size = st.Size()
	}
	m.progress(Event{URL: rawURL, Received: size, Total: size, Done: true})
}

func (m *Manager) downloadPath(rawURL string) string {
	return filepath.Join(m.dir, "downloads", cacheName(rawURL))
}

// cacheName builds the cache file name for a URL: a sanitized base name, so
// extensions survive for archive detection, plus a digest of the full URL.
// URLs differing only in query string get distinct entries.
func cacheName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return sanitizeName(urlBaseName(rawURL)) + "." + hex.EncodeToString(sum[:])[:16]
}

func urlBaseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	return base
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 80 {
		s = s[len(s)-80:]
	}
	return s
}
