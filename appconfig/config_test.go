package appconfig

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ticdso/depthserve/depthmap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != ":5000" {
		t.Errorf("ListenAddr = %q; want :5000", cfg.ListenAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("default JWT secret should be generated")
	}
	if cfg.Model.MaxDepth != 10 || cfg.Model.InputWidth != 640 {
		t.Errorf("unexpected model defaults: %+v", cfg.Model)
	}
	if cfg.Legacy.InputImage != filepath.Join("build", "test.jpg") {
		t.Errorf("Legacy.InputImage = %q", cfg.Legacy.InputImage)
	}
	if cfg.Evaluation.WorkDir != "work_dirs" {
		t.Errorf("Evaluation.WorkDir = %q", cfg.Evaluation.WorkDir)
	}
}

func TestGetSet(t *testing.T) {
	original := Get()
	defer Set(original)

	want := Config{DBPath: "/test/db.sqlite", ListenAddr: ":9000"}
	Set(want)
	if diff := cmp.Diff(want, Get()); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		if got := isJSONObject([]byte(tt.input)); got != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, got, tt.expected)
		}
	}
}

func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{"Simple merge", `{"a": "1"}`, `{"b": "2"}`, `{"a":"1","b":"2"}`},
		{"Override value", `{"a": "1"}`, `{"a": "2"}`, `{"a":"2"}`},
		{"Nested merge", `{"nested": {"a": "1"}}`, `{"nested": {"b": "2"}}`, `{"nested":{"a":"1","b":"2"}}`},
		{"Object replaces scalar", `{"a": "1"}`, `{"a": {"b": "2"}}`, `{"a":{"b":"2"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst, src map[string]json.RawMessage
			if err := json.Unmarshal([]byte(tt.dst), &dst); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal([]byte(tt.src), &src); err != nil {
				t.Fatal(err)
			}
			deepMergeJSON(dst, src)

			result, _ := json.Marshal(dst)
			var got, want map[string]any
			json.Unmarshal(result, &got)
			json.Unmarshal([]byte(tt.expected), &want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("deepMergeJSON mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFromCreatesDefault(t *testing.T) {
	defer Set(Get())
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	again, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Auth.JWTSecret != cfg.Auth.JWTSecret {
		t.Error("JWT secret changed between loads")
	}
}

func TestLoadFromKeepsDefaultsAndUnknownKeys(t *testing.T) {
	defer Set(Get())
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"listenAddr": ":8080", "model": {"maxDepth": 80}, "extra": {"keep": true}}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Model.MaxDepth != 80 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Model.InputWidth != 640 || cfg.Model.MinDepth != 1e-3 {
		t.Errorf("defaults lost: %+v", cfg.Model)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Fatal("missing secret was not generated")
	}
	if Get().ListenAddr != ":8080" {
		t.Error("LoadFrom did not update the in-memory config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var saved map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if _, ok := saved["extra"]; !ok {
		t.Error("unknown key dropped on save")
	}
	auth, _ := saved["auth"].(map[string]any)
	if auth["jwtSecret"] != cfg.Auth.JWTSecret {
		t.Error("generated secret not persisted")
	}
}

func TestLoadFromBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCheckModelFiles(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	os.WriteFile(model, []byte("x"), 0644)

	tests := []struct {
		name  string
		cfg   ModelConfig
		field string
	}{
		{"unset", ModelConfig{}, "model.modelPath"},
		{"missing model", ModelConfig{ModelPath: filepath.Join(dir, "nope.onnx")}, "model.modelPath"},
		{"missing backbone", ModelConfig{ModelPath: model, BackbonePath: filepath.Join(dir, "swin.pth")}, "model.backbonePath"},
		{"ok", ModelConfig{ModelPath: model}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckModelFiles()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q; want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestModelOptions(t *testing.T) {
	m := defaultConfig().Model
	m.ModelPath = filepath.Join(t.TempDir(), "kitti.onnx")
	m.MaxDepth = 80
	m.InputWidth, m.InputHeight = 1216, 352
	m.FlipAugment = true
	m.OutputSpace = "log"

	o, err := m.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if o.MaxDepth != 80 || o.InputWidth != 1216 || o.InputHeight != 352 || !o.FlipAugment {
		t.Errorf("overrides not applied: %+v", o)
	}
	if o.OutputSpace != depthmap.SpaceLog {
		t.Errorf("OutputSpace = %v", o.OutputSpace)
	}
}

func TestModelOptionsSidecar(t *testing.T) {
	dir := t.TempDir()
	m := defaultConfig().Model
	m.ModelPath = filepath.Join(dir, "model.onnx")
	sidecar := `{"input_size": [3, 352, 1216], "dataset": "KITTI", "max_depth": 80}`
	if err := os.WriteFile(filepath.Join(dir, "model.json"), []byte(sidecar), 0644); err != nil {
		t.Fatal(err)
	}

	o, err := m.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if o.InputWidth != 1216 || o.InputHeight != 352 || o.MaxDepth != 80 || o.TrainedOn != "KITTI" {
		t.Errorf("sidecar not applied: %+v", o)
	}
}

func TestModelOptionsInvalid(t *testing.T) {
	m := defaultConfig().Model
	m.OutputSpace = "inverse-depth"
	var cerr *ConfigurationError
	if _, err := m.Options(); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	m = defaultConfig().Model
	m.MinDepth, m.MaxDepth = 5, 2
	if _, err := m.Options(); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for depth range, got %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	path := filepath.Join(t.TempDir(), "logs", "depthserve.log")

	closer, err := SetupLogging(path)
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	log.Printf("hello from test")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestConfigConcurrency(t *testing.T) {
	original := Get()
	defer Set(original)

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{DBPath: "/path"})
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()
	<-done
	<-done
}
