// Package platform resolves per-OS directories for configuration, the
// database and downloaded model files.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is used for directory names on Linux and for caches.
const AppName = "depthserve"

// AppDisplayName is used for directory names on Windows and macOS.
const AppDisplayName = "DepthServe"

// ORTLibEnv overrides the onnxruntime shared library location.
const ORTLibEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\DepthServe
// Linux: ~/.local/share/depthserve
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory for downloaded model bundles.
// Windows: %APPDATA%\DepthServe
// Linux: ~/.cache/depthserve
func GetCacheDir() string {
	return getCacheDir()
}

// ModelDir is where fetched model bundles are unpacked.
func ModelDir() string {
	return filepath.Join(getCacheDir(), "models")
}

// SharedLibExtension returns the shared library extension for the current platform.
func SharedLibExtension() string {
	return sharedLibExtension()
}

// ORTLibraryPath returns the onnxruntime library to load: the environment
// override if set, otherwise the copy under the cache directory when it
// exists, otherwise "" so the loader falls back to the system search path.
func ORTLibraryPath() string {
	if p := os.Getenv(ORTLibEnv); p != "" {
		return p
	}
	p := filepath.Join(RuntimeDir(), ORTLibName())
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// RuntimeDir is where a downloaded onnxruntime library is installed.
func RuntimeDir() string {
	return filepath.Join(getCacheDir(), "onnxruntime")
}

// ORTLibName is the file name the onnxruntime library is installed under.
func ORTLibName() string {
	if sharedLibExtension() == ".dll" {
		return "onnxruntime.dll"
	}
	return "libonnxruntime" + sharedLibExtension()
}
