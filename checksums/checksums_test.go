package checksums

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexSum(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestVerifyUnknownURLAccepted(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Verify("https://example.com/unknown.zip", 123, hexSum("whatever")))
}

func TestVerifyMatchAndMismatch(t *testing.T) {
	s := NewStore()
	url := "https://example.com/data.tar.gz"
	s.Record(url, URLInfo{Size: 10, SHA256: hexSum("0123456789")})

	assert.True(t, s.Verify(url, 10, hexSum("0123456789")))
	assert.False(t, s.Verify(url, 11, hexSum("0123456789")), "size mismatch must fail")
	assert.False(t, s.Verify(url, 10, hexSum("different")), "hash mismatch must fail")
	assert.False(t, s.Verify(url, 11, hexSum("different")))
}

func TestVerifyCaseInsensitiveDigest(t *testing.T) {
	s := NewStore()
	url := "https://example.com/a"
	s.Record(url, URLInfo{Size: 1, SHA256: strings.ToUpper(hexSum("x"))})
	assert.True(t, s.Verify(url, 1, hexSum("x")))
}

func TestRecordLastWriteWins(t *testing.T) {
	s := NewStore()
	url := "https://example.com/refresh"
	s.Record(url, URLInfo{Size: 1, SHA256: hexSum("old")})
	s.Record(url, URLInfo{Size: 2, SHA256: hexSum("new")})

	info, ok := s.Lookup(url)
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Size)
	assert.Equal(t, hexSum("new"), info.SHA256)
	assert.Equal(t, 1, s.Len())
}

func TestLoadAndSaveRoundTrip(t *testing.T) {
	s := NewStore()
	s.Record("https://b.example.com/two", URLInfo{Size: 2, SHA256: hexSum("two")})
	s.Record("https://a.example.com/one", URLInfo{Size: 1, SHA256: hexSum("one")})

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "https://a.example.com/one\t"), "saved lines sorted by url")

	loaded := NewStore()
	n, err := loaded.Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	info, ok := loaded.Lookup("https://b.example.com/two")
	require.True(t, ok)
	assert.Equal(t, URLInfo{Size: 2, SHA256: hexSum("two")}, info)
}

func TestLoadSkipsCommentsAndBlanks(t *testing.T) {
	input := "# header comment\n\nhttps://example.com/a\t5\t" + hexSum("aaaaa") + "\n"
	s := NewStore()
	n, err := s.Load(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoadMalformedLine(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"missing fields", "https://example.com/a\t5\n"},
		{"bad size", "https://example.com/a\tfive\t" + hexSum("a") + "\n"},
		{"bad digest", "https://example.com/a\t5\tnothex\n"},
		{"short digest", "https://example.com/a\t5\tabcdef\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore()
			_, err := s.Load(strings.NewReader(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.Equal(t, hexSum("hello world"), sum)
}
