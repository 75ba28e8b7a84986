package download

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzFixture(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func gzipFixture(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeFixture(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExtractZip(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "bundle.zip", zipFixture(t, map[string]string{
		"a.txt":         "alpha",
		"nested/b.txt":  "beta",
		"nested/deeper": "gamma",
	}))

	dir, err := m.Extract(context.Background(), path)
	require.NoError(t, err)

	for name, want := range map[string]string{
		"a.txt":         "alpha",
		"nested/b.txt":  "beta",
		"nested/deeper": "gamma",
	} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestExtractTarGz(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "bundle.tar.gz", tarGzFixture(t, map[string]string{
		"stories/one.txt": "once",
		"stories/two.txt": "twice",
	}))

	dir, err := m.Extract(context.Background(), path)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "stories", "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "twice", string(data))
}

func TestExtractGzipSingleFile(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "corpus.txt.gz", gzipFixture(t, "decompressed text"))

	dir, err := m.Extract(context.Background(), path)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "corpus.txt"))
	require.NoError(t, err)
	assert.Equal(t, "decompressed text", string(data))
}

func TestExtractMemoized(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "bundle.zip", zipFixture(t, map[string]string{"a": "1"}))

	first, err := m.Extract(context.Background(), path)
	require.NoError(t, err)

	// Poke a marker into the extraction dir; a memoized second call must
	// return the same dir without redoing the work.
	marker := filepath.Join(first, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	second, err := m.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, marker)
}

func TestExtractForceRedoes(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, "bundle.zip", zipFixture(t, map[string]string{"a": "1"}))

	m, err := NewManager(dir, WithBackoff(testBackoff))
	require.NoError(t, err)
	first, err := m.Extract(context.Background(), path)
	require.NoError(t, err)
	marker := filepath.Join(first, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	forced, err := NewManager(dir, WithBackoff(testBackoff), WithForceExtract(true))
	require.NoError(t, err)
	second, err := forced.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoFileExists(t, marker)
}

func TestExtractUnrecognizedFormat(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "plain.txt", []byte("just text, no archive"))

	_, err := m.Extract(context.Background(), path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Empty(t, ferr.Kind)
}

func TestExtractCorruptArchive(t *testing.T) {
	m := newTestManager(t)

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"broken.zip", []byte("PK\x03\x04 but not really a zip file")},
		{"broken.tar.gz", []byte{0x1f, 0x8b, 0xff, 0xff, 0xff}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFixture(t, tc.name, tc.data)
			_, err := m.Extract(context.Background(), path)
			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.NotEmpty(t, ferr.Kind)
		})
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	m := newTestManager(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Mode: 0o644,
		Size: 4,
	}))
	_, err := tw.Write([]byte("oops"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := writeFixture(t, "evil.tar.gz", buf.Bytes())
	_, err = m.Extract(context.Background(), path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestExtractSniffsKindWithoutExtension(t *testing.T) {
	m := newTestManager(t)
	path := writeFixture(t, "noext", zipFixture(t, map[string]string{"inner.txt": "sniffed"}))

	dir, err := m.Extract(context.Background(), path)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "inner.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sniffed", string(data))
}

func TestDownloadAndExtract(t *testing.T) {
	archive := tarGzFixture(t, map[string]string{"payload/data.txt": "downloaded and extracted"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	m := newTestManager(t)
	dir, err := m.DownloadAndExtract(context.Background(), srv.URL+"/payload.tar.gz")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "payload", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "downloaded and extracted", string(data))
}

func TestDownloadAndExtractTree(t *testing.T) {
	archives := map[string][]byte{
		"/first.tar.gz":  tarGzFixture(t, map[string]string{"inner.txt": "from /first.tar.gz"}),
		"/second.tar.gz": tarGzFixture(t, map[string]string{"inner.txt": "from /second.tar.gz"}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archives[r.URL.Path])
	}))
	defer srv.Close()

	m := newTestManager(t, WithWorkers(2))
	resolved, err := m.DownloadAndExtractTree(context.Background(), map[string]string{
		"first":  srv.URL + "/first.tar.gz",
		"second": srv.URL + "/second.tar.gz",
	})
	require.NoError(t, err)

	dirs, ok := resolved.(map[string]string)
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(dirs["second"], "inner.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from /second.tar.gz", string(data))
}
