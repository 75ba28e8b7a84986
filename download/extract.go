package download

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FormatError reports an unrecognized or corrupt archive. Not retryable.
type FormatError struct {
	Path string
	Kind string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("unrecognized archive format: %s", e.Path)
	}
	return fmt.Sprintf("extracting %s as %s: %v", e.Path, e.Kind, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

type archiveKind string

const (
	kindZip   archiveKind = "zip"
	kindTar   archiveKind = "tar"
	kindTarGz archiveKind = "targz"
	kindGzip  archiveKind = "gzip"
)

// Extract unpacks an archive into the cache's extraction area and returns the
// directory. Extraction is memoized by (path, kind): a prior extraction is
// returned as-is. Concurrent calls for the same path collapse.
func (m *Manager) Extract(ctx context.Context, path string) (string, error) {
	ch := m.flight.DoChan("ex:"+path, func() (any, error) {
		return m.extract(ctx, path)
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

func (m *Manager) extract(ctx context.Context, path string) (string, error) {
	kind, logicalName, err := m.detectKind(path)
	if err != nil {
		return "", err
	}

	pathSum := sha256.Sum256([]byte(path))
	dest := filepath.Join(m.dir, "extracted",
		string(kind)+"."+sanitizeName(logicalName)+"."+hex.EncodeToString(pathSum[:])[:16])

	if !m.forceExtract {
		if st, err := os.Stat(dest); err == nil && st.IsDir() {
			m.logger.Debug("extraction cache hit", slog.String("path", path))
			return dest, nil
		}
	}

	tmp := dest + ".tmp." + uuid.NewString()
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("download: creating extraction dir: %w", err)
	}
	if err := extractTo(ctx, kind, path, logicalName, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if m.forceExtract {
		os.RemoveAll(dest)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("download: committing extraction: %w", err)
	}
	m.logger.Info("extracted", slog.String("path", path), slog.String("kind", string(kind)))
	return dest, nil
}

// detectKind decides how to unpack a file. The cached artifact's sidecar
// knows the original URL, whose base name carries the real extension; plain
// files fall back to their own name, then to magic bytes.
func (m *Manager) detectKind(path string) (archiveKind, string, error) {
	logicalName := filepath.Base(path)
	if data, err := os.ReadFile(path + ".json"); err == nil {
		var sc sidecar
		if json.Unmarshal(data, &sc) == nil && sc.URL != "" {
			logicalName = urlBaseName(sc.URL)
		}
	}
	if kind, ok := kindFromName(logicalName); ok {
		return kind, logicalName, nil
	}
	if kind, ok := m.sniffKind(path); ok {
		return kind, logicalName, nil
	}
	return "", "", &FormatError{Path: path}
}

func kindFromName(name string) (archiveKind, bool) {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return kindZip, true
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return kindTarGz, true
	case strings.HasSuffix(name, ".tar"):
		return kindTar, true
	case strings.HasSuffix(name, ".gz"):
		return kindGzip, true
	}
	return "", false
}

func (m *Manager) sniffKind(path string) (archiveKind, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case len(head) >= 4 && string(head[:4]) == "PK\x03\x04":
		return kindZip, true
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		// Gzip; decide whether a tar stream is inside.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return kindGzip, true
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return kindGzip, true
		}
		defer gz.Close()
		inner := make([]byte, 512)
		in, _ := io.ReadFull(gz, inner)
		if isTarHeader(inner[:in]) {
			return kindTarGz, true
		}
		return kindGzip, true
	case isTarHeader(head):
		return kindTar, true
	}
	return "", false
}

func isTarHeader(b []byte) bool {
	return len(b) >= 262 && string(b[257:262]) == "ustar"
}

func extractTo(ctx context.Context, kind archiveKind, path, logicalName, dest string) error {
	switch kind {
	case kindZip:
		return extractZip(ctx, path, dest)
	case kindTar:
		return extractTar(ctx, path, dest, false)
	case kindTarGz:
		return extractTar(ctx, path, dest, true)
	case kindGzip:
		return extractGzip(path, logicalName, dest)
	default:
		return &FormatError{Path: path}
	}
}

func extractZip(ctx context.Context, path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return &FormatError{Path: path, Kind: string(kindZip), Err: err}
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := securePath(dest, f.Name)
		if err != nil {
			return &FormatError{Path: path, Kind: string(kindZip), Err: err}
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("download: %w", err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return &FormatError{Path: path, Kind: string(kindZip), Err: err}
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(ctx context.Context, path, dest string, gzipped bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer f.Close()

	var (
		r    io.Reader = f
		kind           = kindTar
	)
	if gzipped {
		kind = kindTarGz
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &FormatError{Path: path, Kind: string(kind), Err: err}
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &FormatError{Path: path, Kind: string(kind), Err: err}
		}
		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return &FormatError{Path: path, Kind: string(kind), Err: err}
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("download: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks, devices and the rest have no place in dataset
			// archives.
			continue
		}
	}
}

func extractGzip(path, logicalName, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &FormatError{Path: path, Kind: string(kindGzip), Err: err}
	}
	defer gz.Close()

	name := strings.TrimSuffix(logicalName, ".gz")
	if name == "" {
		name = "file"
	}
	if err := writeEntry(filepath.Join(dest, name), gz, 0o644); err != nil {
		var ferr *FormatError
		if !errors.As(err, &ferr) {
			// A short or garbled gzip stream shows up as a copy error.
			return &FormatError{Path: path, Kind: string(kindGzip), Err: err}
		}
		return err
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("download: extracting %s: %w", target, err)
	}
	return f.Close()
}

func securePath(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute entry path %q", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry path %q escapes archive root", name)
	}
	return filepath.Join(dest, cleaned), nil
}
