package evaluate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ticdso/depthserve/evalcrop"
)

// Config is one benchmark configuration, stored as configs/<name>.json.
type Config struct {
	Name       string          `json:"-"`
	Dataset    string          `json:"dataset"`
	DataPath   string          `json:"data_path"`
	GTPath     string          `json:"gt_path"`
	SplitDir   string          `json:"split_dir"`
	MinDepth   float32         `json:"min_depth"`
	MaxDepth   float32         `json:"max_depth"`
	WorkDir    string          `json:"work_dir"`
	Evaluation evalcrop.Config `json:"evaluation"`
	// Crop names policies to add to Evaluation, e.g. ["kb_crop", "garg_crop"].
	Crop []string `json:"crop,omitempty"`
}

// LoadConfig reads dir/<name>.json and fills defaults.
func LoadConfig(dir, name string) (*Config, error) {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read eval config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Name = name
	if err := cfg.Evaluation.Enable(cfg.Crop...); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.SplitDir == "" {
		cfg.SplitDir = "data_splits"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "work_dirs"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the dataset name and depth range.
func (c *Config) Validate() error {
	if _, err := evalcrop.ParseDataset(c.Dataset); err != nil {
		return err
	}
	if !(c.MinDepth > 0) || c.MaxDepth <= c.MinDepth {
		return fmt.Errorf("invalid depth range [%g, %g]", c.MinDepth, c.MaxDepth)
	}
	return nil
}

// RunDir is work_dir/<name>, where summaries and visualizations go.
func (c *Config) RunDir() string {
	return filepath.Join(c.WorkDir, c.Name)
}
