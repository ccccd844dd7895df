// Package app assembles the long-lived pieces shared by the server and
// the command-line tool from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/ticdso/depthserve/appconfig"
	"github.com/ticdso/depthserve/artifacts"
	"github.com/ticdso/depthserve/downloads"
	"github.com/ticdso/depthserve/onnxdepth"
)

// OpenDB opens (creating if needed) the SQLite database at dbPath.
func OpenDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// Artifacts builds the configured artifact sinks. It returns nil when
// neither a directory nor a bucket is configured.
func Artifacts(ctx context.Context, c appconfig.ArtifactsConfig) (artifacts.Store, error) {
	var stores artifacts.Tee
	if c.Dir != "" {
		local, err := artifacts.NewLocalStore(c.Dir)
		if err != nil {
			return nil, err
		}
		stores = append(stores, local)
	}
	if c.S3Bucket != "" {
		s3, err := artifacts.NewS3Store(ctx, artifacts.S3Options{
			Bucket:   c.S3Bucket,
			Prefix:   c.S3Prefix,
			Region:   c.S3Region,
			Endpoint: c.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3)
	}
	switch len(stores) {
	case 0:
		return nil, nil
	case 1:
		return stores[0], nil
	}
	return stores, nil
}

// EnsureModel fetches the model bundle when the configured model file is
// missing and a bundle URL is set, updating cfg.Model.ModelPath to the
// unpacked model.
func EnsureModel(ctx context.Context, cfg *appconfig.Config, dl *downloads.Manager) error {
	if _, err := os.Stat(cfg.Model.ModelPath); err == nil || cfg.ModelBundleURL == "" {
		return nil
	}
	log.Printf("Model %s not found; fetching %s", cfg.Model.ModelPath, cfg.ModelBundleURL)
	path, err := dl.FetchModel(ctx, cfg.ModelBundleURL, cfg.ModelDir, func(p downloads.Progress) {
		if p.Status == downloads.StatusDownloading {
			return
		}
		log.Printf("Model bundle: %s %s", p.Status, p.Message)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch model bundle: %w", err)
	}
	cfg.Model.ModelPath = path
	return nil
}

// LoadEstimator checks the model files and builds the ONNX estimator.
// Configuration problems are returned as *appconfig.ConfigurationError.
func LoadEstimator(m appconfig.ModelConfig) (*onnxdepth.Estimator, error) {
	if err := m.CheckModelFiles(); err != nil {
		return nil, err
	}
	opts, err := m.Options()
	if err != nil {
		return nil, err
	}
	est, err := onnxdepth.Load(m.ModelPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", m.ModelPath, err)
	}
	log.Printf("Loaded %s %s from %s (%dx%d, max depth %g)", opts.Name, opts.Version, m.ModelPath, opts.InputWidth, opts.InputHeight, opts.MaxDepth)
	return est, nil
}

// IsConfigurationError reports whether err should stop startup.
func IsConfigurationError(err error) bool {
	var cerr *appconfig.ConfigurationError
	return errors.As(err, &cerr)
}

// Closers collects cleanup functions and runs them in reverse order.
type Closers []func() error

func (c *Closers) Add(fn func() error) {
	*c = append(*c, fn)
}

// Close runs every function, combining their errors.
func (c Closers) Close() error {
	var errs error
	for i := len(c) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, c[i]())
	}
	return errs
}
