package downloads

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ticdso/depthserve/platform"
)

// DefaultRuntimeVersion is the onnxruntime release installed by
// InstallRuntime when no version is given.
const DefaultRuntimeVersion = "1.22.0"

// RuntimeURL returns the official onnxruntime release archive for goos and
// goarch.
func RuntimeURL(version, goos, goarch string) (string, error) {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	var name string
	switch goos + "/" + goarch {
	case "windows/amd64":
		name = "win-x64-" + version + ".zip"
	case "windows/arm64":
		name = "win-arm64-" + version + ".zip"
	case "darwin/arm64":
		name = "osx-arm64-" + version + ".tgz"
	case "darwin/amd64":
		name = "osx-x86_64-" + version + ".tgz"
	case "linux/amd64":
		name = "linux-x64-" + version + ".tgz"
	case "linux/arm64":
		name = "linux-aarch64-" + version + ".tgz"
	default:
		return "", fmt.Errorf("no onnxruntime build for %s/%s", goos, goarch)
	}
	return base + name, nil
}

// isRuntimeLib matches the main library inside a release archive:
// lib/libonnxruntime.so.1.22.0, lib/libonnxruntime.1.22.0.dylib or
// lib/onnxruntime.dll.
func isRuntimeLib(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if strings.Contains(base, "_providers_") {
		return false
	}
	switch {
	case base == "onnxruntime.dll":
		return true
	case strings.HasPrefix(base, "libonnxruntime.so"):
		return true
	case strings.HasPrefix(base, "libonnxruntime.") && strings.HasSuffix(base, ".dylib"):
		return true
	}
	return false
}

// InstallRuntime downloads an onnxruntime release for the running platform
// and installs its shared library into destDir under platform.ORTLibName.
// An empty version selects DefaultRuntimeVersion; an empty destDir selects
// platform.RuntimeDir.
func (m *Manager) InstallRuntime(ctx context.Context, version, destDir string, cb ProgressCallback) (string, error) {
	if version == "" {
		version = DefaultRuntimeVersion
	}
	rawURL, err := RuntimeURL(version, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	return m.InstallRuntimeFrom(ctx, rawURL, destDir, cb)
}

// InstallRuntimeFrom installs the library from the archive at rawURL.
func (m *Manager) InstallRuntimeFrom(ctx context.Context, rawURL, destDir string, cb ProgressCallback) (string, error) {
	if destDir == "" {
		destDir = platform.RuntimeDir()
	}
	name, err := bundleName(rawURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	ctx, report, done := m.track(ctx, rawURL, cb)
	defer done()

	archive := filepath.Join(destDir, name)
	if err := m.downloadTo(ctx, rawURL, archive, report); err != nil {
		return "", err
	}
	defer os.Remove(archive)

	staging, err := os.MkdirTemp(destDir, "extract-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)
	if ok, err := Extract(archive, staging, report); err != nil {
		report(Progress{Status: StatusError, Error: err.Error(), Message: "Extraction failed"})
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%s is not a runtime archive", name)
	}

	var lib string
	err = filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if lib == "" && d.Type().IsRegular() && isRuntimeLib(p) {
			lib = p
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if lib == "" {
		err := fmt.Errorf("%s not found in %s", platform.ORTLibName(), name)
		report(Progress{Status: StatusError, Error: err.Error(), Message: "Extraction failed"})
		return "", err
	}

	target := filepath.Join(destDir, platform.ORTLibName())
	if err := copyFile(lib, target); err != nil {
		return "", err
	}
	report(Progress{Status: StatusComplete, Message: "Runtime installed: " + target, Percent: 100})
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
