package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// PartialSuffix marks an incomplete download next to its destination.
const PartialSuffix = ".part"

// Retry policy for DownloadWithRetry. Variables so tests can shorten them.
var (
	retryAttempts = 3
	retryBackoff  = 2 * time.Second
)

// reportEvery throttles byte progress callbacks.
const reportEvery = 100 * time.Millisecond

// HTTPClient is used for all downloads. No timeout; model bundles are large.
var HTTPClient = &http.Client{}

// statusError is a non-retryable HTTP failure.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return "bad status: " + e.status }

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// DownloadFile fetches url into destPath. Bytes land in destPath+".part"
// and are renamed into place once complete; an existing part file is resumed
// with a Range request.
func DownloadFile(ctx context.Context, destPath, url string, onBytes ByteProgressCallback) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	part := destPath + PartialSuffix
	if err := fetchInto(ctx, part, url, onBytes); err != nil {
		return err
	}
	if err := os.Rename(part, destPath); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

func fetchInto(ctx context.Context, part, url string, onBytes ByteProgressCallback) error {
	var have int64
	if st, err := os.Stat(part); err == nil {
		have = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if have > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(have, 10)+"-")
	}
	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range, or there was nothing to resume.
		have = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	default:
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}

	total := resp.ContentLength
	if total > 0 {
		total += have
	}
	out, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}
	defer out.Close()

	cw := &countingWriter{w: out, n: have, total: total, onBytes: onBytes}
	if _, err := io.Copy(cw, readerWithContext(ctx, resp.Body)); err != nil {
		return err
	}
	cw.flush()
	return out.Sync()
}

// countingWriter reports bytes written at most every reportEvery.
type countingWriter struct {
	w       io.Writer
	n       int64
	total   int64
	onBytes ByteProgressCallback
	last    time.Time
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	if c.onBytes != nil && time.Since(c.last) >= reportEvery {
		c.flush()
	}
	return n, nil
}

func (c *countingWriter) flush() {
	if c.onBytes != nil {
		c.onBytes(c.n, c.total)
		c.last = time.Now()
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader { return &ctxReader{ctx, r} }

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// DownloadWithRetry calls DownloadFile until it succeeds, the context ends,
// or the server gives a client error. The wait doubles after each failure.
func DownloadWithRetry(ctx context.Context, destPath, url string, onBytes ByteProgressCallback) error {
	wait := retryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = DownloadFile(ctx, destPath, url, onBytes)
		if err == nil || ctx.Err() != nil || !retryable(err) || attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case !retryable(err):
		return err
	}
	return fmt.Errorf("download failed after %d attempts: %w", retryAttempts, err)
}

// FormatBytes renders n bytes for humans, e.g. "1.5 MB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
