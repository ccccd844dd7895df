// Package downloads fetches model bundles over HTTP and unpacks them.
package downloads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	// DefaultRetryAttempts is the number of times to retry a failed download.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the delay between retry attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultBufferSize is the buffer size for file downloads.
	DefaultBufferSize = 32 * 1024 // 32KB
)

// Client downloads files with resume and retry.
type Client struct {
	HTTP       *http.Client
	Attempts   int
	RetryDelay time.Duration
}

// NewClient returns a client with the default retry policy and no
// request timeout, since model weights can be large.
func NewClient() *Client {
	return &Client{
		HTTP:       &http.Client{},
		Attempts:   DefaultRetryAttempts,
		RetryDelay: DefaultRetryDelay,
	}
}

// Download fetches url into destPath. An existing partial file is resumed
// with an HTTP Range request when the server supports it.
func (c *Client) Download(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	var existingSize int64
	if stat, err := os.Stat(destPath); err == nil {
		existingSize = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		existingSize = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// Already complete.
		if progressCb != nil {
			progressCb(existingSize, existingSize)
		}
		return nil
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && existingSize > 0 {
		totalSize += existingSize
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if existingSize > 0 {
		flags = os.O_APPEND | os.O_WRONLY
	}
	out, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	pw := &progressWriter{ctx: ctx, w: out, done: existingSize, total: totalSize, cb: progressCb}
	buf := make([]byte, DefaultBufferSize)
	if _, err := io.CopyBuffer(pw, resp.Body, buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to copy response: %w", err)
	}
	if progressCb != nil {
		progressCb(pw.done, totalSize)
	}
	return out.Close()
}

// progressWriter counts bytes written, reporting at most every
// reportInterval, and stops once ctx ends.
type progressWriter struct {
	ctx        context.Context
	w          io.Writer
	done       int64
	total      int64
	cb         ByteProgressCallback
	lastReport time.Time
}

const reportInterval = 100 * time.Millisecond

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.cb != nil && time.Since(p.lastReport) >= reportInterval {
		p.cb(p.done, p.total)
		p.lastReport = time.Now()
	}
	return n, err
}

// DownloadWithRetry calls Download until it succeeds, the context ends or
// the attempts run out.
func (c *Client) DownloadWithRetry(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.Download(ctx, destPath, url, progressCb)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

// FormatBytes formats bytes as human-readable size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats bytes per second as human-readable speed.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
