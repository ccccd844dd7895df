package onnxdepth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ticdso/depthserve/depthmap"
)

// ModelConfig is the sidecar JSON written next to an exported model
// (model.onnx -> model.json).
type ModelConfig struct {
	Architecture  string    `json:"architecture"`
	Backbone      string    `json:"backbone"`
	Dataset       string    `json:"dataset"`
	InputName     string    `json:"input_name"`
	OutputName    string    `json:"output_name"`
	InputSize     []int     `json:"input_size"` // [C,H,W]
	Mean          []float32 `json:"mean"`
	Std           []float32 `json:"std"`
	Interpolation string    `json:"interpolation"`
	OutputSpace   string    `json:"output_space"`
	MinDepth      float32   `json:"min_depth"`
	MaxDepth      float32   `json:"max_depth"`
}

// SidecarPath returns the config path for a model file.
func SidecarPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// LoadModelConfig reads and parses a JSON config file.
func LoadModelConfig(path string) (*ModelConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg ModelConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyToOptions overrides opts with every field the config sets.
func (mc *ModelConfig) ApplyToOptions(opts *Options) error {
	if mc == nil || opts == nil {
		return nil
	}
	if len(mc.InputSize) == 3 {
		opts.InputHeight = mc.InputSize[1]
		opts.InputWidth = mc.InputSize[2]
	}
	if mc.InputName != "" {
		opts.InputName = mc.InputName
	}
	if mc.OutputName != "" {
		opts.OutputName = mc.OutputName
	}
	if len(mc.Mean) == 3 {
		opts.NormalizeMeanRGB = [3]float32{mc.Mean[0], mc.Mean[1], mc.Mean[2]}
	}
	if len(mc.Std) == 3 {
		opts.NormalizeStddevRGB = [3]float32{mc.Std[0], mc.Std[1], mc.Std[2]}
	}
	if mc.Interpolation != "" {
		opts.Interpolation = mc.Interpolation
	}
	if mc.OutputSpace != "" {
		space, err := depthmap.ParseOutputSpace(mc.OutputSpace)
		if err != nil {
			return err
		}
		opts.OutputSpace = space
	}
	if mc.MinDepth > 0 {
		opts.MinDepth = mc.MinDepth
	}
	if mc.MaxDepth > 0 {
		opts.MaxDepth = mc.MaxDepth
	}
	if mc.Architecture != "" {
		opts.Architecture = mc.Architecture
	}
	if mc.Backbone != "" {
		opts.Backbone = mc.Backbone
	}
	if mc.Dataset != "" {
		opts.TrainedOn = mc.Dataset
	}
	return nil
}
