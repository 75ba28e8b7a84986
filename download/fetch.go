package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// FetchError reports a failed network retrieval. Transport errors, 5xx and
// 429 responses are retried before one of these surfaces; other statuses fail
// immediately.
type FetchError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetching %s: after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// fetch streams a URL to dest, verifying size and digest against the store.
// Retries follow the manager's backoff policy; integrity failures are
// permanent. Returns the byte size and hex SHA-256 of the artifact.
func (m *Manager) fetch(ctx context.Context, rawURL, dest string) (int64, string, error) {
	var (
		tmp      = dest + ".tmp." + uuid.NewString()
		size     int64
		sum      string
		attempts int
	)
	op := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(&FetchError{URL: rawURL, Attempts: attempts, Err: err})
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return &FetchError{URL: rawURL, Attempts: attempts, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			ferr := &FetchError{
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				Attempts:   attempts,
				Err:        fmt.Errorf("unexpected status %s", resp.Status),
			}
			if retryableStatus(resp.StatusCode) {
				return ferr
			}
			return backoff.Permanent(ferr)
		}

		f, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("download: creating temp file: %w", err))
		}
		var (
			h            = sha256.New()
			w  io.Writer = io.MultiWriter(f, h)
		)
		if m.progress != nil {
			w = io.MultiWriter(f, h, &progressWriter{
				url:   rawURL,
				total: resp.ContentLength,
				emit:  m.progress,
			})
		}
		n, copyErr := io.Copy(w, resp.Body)
		if err := f.Close(); err != nil {
			return backoff.Permanent(fmt.Errorf("download: closing temp file: %w", err))
		}
		if copyErr != nil {
			return &FetchError{URL: rawURL, Attempts: attempts, Err: copyErr}
		}
		size, sum = n, hex.EncodeToString(h.Sum(nil))

		if !m.store.Verify(rawURL, size, sum) {
			os.Remove(tmp)
			exp, _ := m.store.Lookup(rawURL)
			return backoff.Permanent(&IntegrityError{
				URL:            rawURL,
				ExpectedSize:   exp.Size,
				ActualSize:     size,
				ExpectedSHA256: exp.SHA256,
				ActualSHA256:   sum,
			})
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(m.newBackoff(), ctx)); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("download: committing artifact: %w", err)
	}
	if m.progress != nil {
		m.progress(Event{URL: rawURL, Received: size, Total: size, Done: true})
	}
	return size, sum, nil
}

// progressWriter forwards byte counts to the progress callback as they land
// on disk.
type progressWriter struct {
	url      string
	total    int64
	received int64
	emit     func(Event)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.received += int64(len(b))
	p.emit(Event{URL: p.url, Received: p.received, Total: p.total})
	return len(b), nil
}
