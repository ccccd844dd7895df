// Package appconfig loads and saves the server configuration file.
package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/onnxdepth"
	"github.com/ticdso/depthserve/platform"
)

// ModelConfig describes the network served and evaluated.
type ModelConfig struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Backbone     string `json:"backbone"`
	Architecture string `json:"architecture"`
	TrainedOn    string `json:"trainedOn"`

	ModelPath            string `json:"modelPath"`
	BackbonePath         string `json:"backbonePath,omitempty"`
	ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`

	InputName     string     `json:"inputName"`
	OutputName    string     `json:"outputName"`
	InputWidth    int        `json:"inputWidth"`
	InputHeight   int        `json:"inputHeight"`
	Mean          [3]float32 `json:"mean"`
	Std           [3]float32 `json:"std"`
	Interpolation string     `json:"interpolation"`
	OutputSpace   string     `json:"outputSpace"`
	MinDepth      float32    `json:"minDepth"`
	MaxDepth      float32    `json:"maxDepth"`
	FlipAugment   bool       `json:"flipAugment"`
	// Resize predictions back to the request image size.
	ResizeToInput  bool `json:"resizeToInput"`
	IntraOpThreads int  `json:"intraOpThreads"`
}

// EvaluationConfig locates benchmark configs and outputs.
type EvaluationConfig struct {
	ConfigDir string `json:"configDir"`
	WorkDir   string `json:"workDir"`
}

type AuthConfig struct {
	Enabled       bool   `json:"enabled"`
	JWTSecret     string `json:"jwtSecret"`
	AdminUser     string `json:"adminUser"`
	AdminPassword string `json:"adminPassword"`
}

// ArtifactsConfig selects where predictions and summaries are copied.
// Both sinks may be active.
type ArtifactsConfig struct {
	Dir        string `json:"dir"`
	S3Bucket   string `json:"s3Bucket"`
	S3Prefix   string `json:"s3Prefix"`
	S3Region   string `json:"s3Region"`
	S3Endpoint string `json:"s3Endpoint"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowedOrigins"`
}

// LegacyConfig holds the file paths used by the GET /predict endpoint.
type LegacyConfig struct {
	InputImage string `json:"inputImage"`
	OutputMat  string `json:"outputMat"`
}

// Config holds the server configuration.
type Config struct {
	ListenAddr     string `json:"listenAddr"`
	DBPath         string `json:"dbPath"`
	LogFile        string `json:"logFile"`
	ModelBundleURL string `json:"modelBundleURL"`
	ModelDir       string `json:"modelDir"`

	Model      ModelConfig      `json:"model"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Auth       AuthConfig       `json:"auth"`
	Artifacts  ArtifactsConfig  `json:"artifacts"`
	CORS       CORSConfig       `json:"cors"`
	Legacy     LegacyConfig     `json:"legacy"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "depthserve.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

func defaultModel() ModelConfig {
	o := onnxdepth.DefaultOptions()
	return ModelConfig{
		Name:          o.Name,
		Version:       o.Version,
		Backbone:      o.Backbone,
		Architecture:  o.Architecture,
		TrainedOn:     o.TrainedOn,
		ModelPath:     filepath.Join(platform.ModelDir(), "pixelformer_nyu.onnx"),
		InputName:     o.InputName,
		OutputName:    o.OutputName,
		InputWidth:    o.InputWidth,
		InputHeight:   o.InputHeight,
		Mean:          o.NormalizeMeanRGB,
		Std:           o.NormalizeStddevRGB,
		Interpolation: o.Interpolation,
		OutputSpace:   o.OutputSpace.String(),
		MinDepth:      o.MinDepth,
		MaxDepth:      o.MaxDepth,
	}
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		ListenAddr: ":5000",
		DBPath:     DefaultDBPath(),
		ModelDir:   platform.ModelDir(),
		Model:      defaultModel(),
		Evaluation: EvaluationConfig{ConfigDir: "configs", WorkDir: "work_dirs"},
		Auth:       AuthConfig{JWTSecret: uuid.New().String(), AdminUser: "admin"},
		CORS:       CORSConfig{AllowedOrigins: []string{"*"}},
		Legacy: LegacyConfig{
			InputImage: filepath.Join("build", "test.jpg"),
			OutputMat:  filepath.Join("build", "depthcrfs.txt"),
		},
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj, srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// ConfigPath returns the full path to the default config.json file.
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the default config file, creating it with defaults when it
// does not exist.
func Load() (Config, string, error) {
	c, err := LoadFrom(ConfigPath())
	return c, ConfigPath(), err
}

// LoadFrom reads the config at path, filling defaults for missing fields
// and saving the file back when a generated value (the JWT secret) had to
// be added.
func LoadFrom(path string) (Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		def := defaultConfig()
		if err := SaveTo(path, def); err != nil {
			return Config{}, fmt.Errorf("failed to create default config file: %w", err)
		}
		return def, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	c := defaultConfig()
	// Decode over defaults so absent keys keep their default values.
	c.Auth.JWTSecret = ""
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	needsSave := false
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
		needsSave = true
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = uuid.New().String()
		needsSave = true
	}
	if needsSave {
		if err := SaveTo(path, c); err != nil {
			log.Printf("Warning: failed to save updated config: %v", err)
		}
	}
	Set(c)
	return c, nil
}

// Save writes the config to the default path.
func Save(c Config) (string, error) {
	path := ConfigPath()
	return path, SaveTo(path, c)
}

// SaveTo writes c to path, preserving keys in the existing file that the
// Config type does not know about.
func SaveTo(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return fmt.Errorf("failed to map config JSON: %w", err)
	}
	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return nil
}

// ConfigurationError reports a setting that prevents startup.
type ConfigurationError struct {
	Field  string
	Path   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration error: %s (%s): %s", e.Field, e.Path, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// CheckModelFiles verifies that the model file, and the backbone file when
// one is declared, exist.
func (m ModelConfig) CheckModelFiles() error {
	if m.ModelPath == "" {
		return &ConfigurationError{Field: "model.modelPath", Reason: "not set"}
	}
	if _, err := os.Stat(m.ModelPath); err != nil {
		return &ConfigurationError{Field: "model.modelPath", Path: m.ModelPath, Reason: "model file not found"}
	}
	if m.BackbonePath != "" {
		if _, err := os.Stat(m.BackbonePath); err != nil {
			return &ConfigurationError{Field: "model.backbonePath", Path: m.BackbonePath, Reason: "backbone file not found"}
		}
	}
	return nil
}

// Options converts the model section into estimator options. A sidecar
// JSON next to the model file overrides the tensor settings.
func (m ModelConfig) Options() (onnxdepth.Options, error) {
	o := onnxdepth.DefaultOptions()
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&o.Name, m.Name)
	setString(&o.Version, m.Version)
	setString(&o.Backbone, m.Backbone)
	setString(&o.Architecture, m.Architecture)
	setString(&o.TrainedOn, m.TrainedOn)
	o.ORTSharedLibraryPath = platform.ORTLibraryPath()
	setString(&o.ORTSharedLibraryPath, m.ORTSharedLibraryPath)
	setString(&o.InputName, m.InputName)
	setString(&o.OutputName, m.OutputName)
	setString(&o.Interpolation, m.Interpolation)
	if m.InputWidth > 0 && m.InputHeight > 0 {
		o.InputWidth, o.InputHeight = m.InputWidth, m.InputHeight
	}
	if m.Std != ([3]float32{}) {
		o.NormalizeMeanRGB, o.NormalizeStddevRGB = m.Mean, m.Std
	}
	if m.OutputSpace != "" {
		space, err := depthmap.ParseOutputSpace(m.OutputSpace)
		if err != nil {
			return o, &ConfigurationError{Field: "model.outputSpace", Reason: err.Error()}
		}
		o.OutputSpace = space
	}
	if m.MinDepth > 0 {
		o.MinDepth = m.MinDepth
	}
	if m.MaxDepth > 0 {
		o.MaxDepth = m.MaxDepth
	}
	o.FlipAugment = m.FlipAugment
	o.ResizeToInput = m.ResizeToInput
	o.IntraOpThreads = m.IntraOpThreads

	if m.ModelPath != "" {
		sidecar := onnxdepth.SidecarPath(m.ModelPath)
		if _, err := os.Stat(sidecar); err == nil {
			mc, err := onnxdepth.LoadModelConfig(sidecar)
			if err != nil {
				return o, &ConfigurationError{Field: "model sidecar", Path: sidecar, Reason: err.Error()}
			}
			if err := mc.ApplyToOptions(&o); err != nil {
				return o, &ConfigurationError{Field: "model sidecar", Path: sidecar, Reason: err.Error()}
			}
		}
	}
	if err := o.Validate(); err != nil {
		return o, &ConfigurationError{Field: "model", Reason: err.Error()}
	}
	return o, nil
}
