// Package artifacts stores evaluation and prediction outputs (result
// tables, visualizations, matrix files) on local disk or in S3.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// Store persists named blobs.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// Location returns a human-readable address for key.
	Location(key string) string
}

// LocalStore writes blobs beneath a directory.
type LocalStore struct {
	Dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &LocalStore{Dir: dir}, nil
}

func (s *LocalStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.Dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes r to Dir/key.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// Location returns the file path for key.
func (s *LocalStore) Location(key string) string {
	p, err := s.resolve(key)
	if err != nil {
		return ""
	}
	return p
}

// Tee writes every blob to all stores.
type Tee []Store

// Put buffers r once and forwards it to each store, combining failures.
func (t Tee) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var errs error
	for _, s := range t {
		errs = multierr.Append(errs, s.Put(ctx, key, strings.NewReader(string(data)), contentType))
	}
	return errs
}

// Location reports the first store's location.
func (t Tee) Location(key string) string {
	if len(t) == 0 {
		return ""
	}
	return t[0].Location(key)
}

// PutFile uploads a file from disk.
func PutFile(ctx context.Context, s Store, key, filename, contentType string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, key, f, contentType)
}

// ContentType guesses a content type from a key's extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	case ".yml", ".yaml":
		return "application/x-yaml"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
