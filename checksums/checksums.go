// Package checksums tracks the expected size and SHA-256 digest of remote
// resources and verifies downloaded bytes against them.
package checksums

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// URLInfo is the recorded expectation for one URL.
type URLInfo struct {
	Size   int64
	SHA256 string
}

// Store maps URLs to their expected size and digest. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	infos map[string]URLInfo
}

func NewStore() *Store {
	return &Store{infos: make(map[string]URLInfo)}
}

// Record registers the expected checksum for a URL. Re-recording an existing
// URL overwrites the previous entry.
func (s *Store) Record(url string, info URLInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[url] = URLInfo{Size: info.Size, SHA256: strings.ToLower(info.SHA256)}
}

// Lookup returns the recorded expectation for a URL, if any.
func (s *Store) Lookup(url string) (URLInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[url]
	return info, ok
}

// Verify reports whether downloaded bytes match the recorded expectation for
// a URL. URLs with no recorded expectation are accepted; a recorded URL
// matches only if both size and digest agree.
func (s *Store) Verify(url string, size int64, sum string) bool {
	info, ok := s.Lookup(url)
	if !ok {
		return true
	}
	return info.Size == size && info.SHA256 == strings.ToLower(sum)
}

// Len returns the number of recorded URLs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.infos)
}

// Load reads checksum records from r and merges them into the store. The
// format is one record per line: url, size, and hex SHA-256 separated by
// tabs. Blank lines and lines starting with '#' are skipped. Returns the
// number of records loaded.
func (s *Store) Load(r io.Reader) (int, error) {
	var (
		scanner = bufio.NewScanner(r)
		lineno  int
		loaded  int
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return loaded, fmt.Errorf("checksums: line %d: want 3 tab-separated fields, got %d", lineno, len(fields))
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return loaded, fmt.Errorf("checksums: line %d: bad size %q: %w", lineno, fields[1], err)
		}
		sum := strings.ToLower(fields[2])
		if _, err := hex.DecodeString(sum); err != nil || len(sum) != sha256.Size*2 {
			return loaded, fmt.Errorf("checksums: line %d: bad sha256 %q", lineno, fields[2])
		}
		s.Record(fields[0], URLInfo{Size: size, SHA256: sum})
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("checksums: reading: %w", err)
	}
	return loaded, nil
}

// LoadFile reads checksum records from a file.
func (s *Store) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("checksums: %w", err)
	}
	defer f.Close()
	return s.Load(f)
}

// Save writes the store's records to w in the Load format, sorted by URL so
// saved files diff cleanly.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	urls := make([]string, 0, len(s.infos))
	for url := range s.infos {
		urls = append(urls, url)
	}
	infos := make(map[string]URLInfo, len(s.infos))
	for url, info := range s.infos {
		infos[url] = info
	}
	s.mu.RUnlock()

	sort.Strings(urls)
	bw := bufio.NewWriter(w)
	for _, url := range urls {
		info := infos[url]
		if _, err := fmt.Fprintf(bw, "%s\t%d\t%s\n", url, info.Size, info.SHA256); err != nil {
			return fmt.Errorf("checksums: writing: %w", err)
		}
	}
	return bw.Flush()
}

// SaveFile writes the store's records to a file, replacing its contents.
func (s *Store) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checksums: %w", err)
	}
	if err := s.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HashFile computes the hex SHA-256 digest and size of a file.
func HashFile(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
