package downloads

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
)

// ErrUnsafePath is returned for archive entries that would land outside
// the destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// safeJoin resolves an archive entry name under destDir.
func safeJoin(destDir, name string) (string, error) {
	dest := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	return dest, nil
}

func stripName(name, stripPrefix string) string {
	if stripPrefix != "" && strings.HasPrefix(name, stripPrefix) {
		return strings.TrimPrefix(name, stripPrefix)
	}
	return name
}

func writeEntry(destPath string, r io.Reader, name string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return out.Close()
}

// ExtractZip extracts a ZIP archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func ExtractZip(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	// Insecure names are rejected per entry by safeJoin.
	reader, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}
		name := stripName(file.Name, stripPrefix)
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeEntry(destPath, rc, file.Name)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Extract7z extracts a 7z archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func Extract7z(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusExtracting,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}
		name := stripName(file.Name, stripPrefix)
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeEntry(destPath, rc, file.Name)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ExtractTarGz extracts a tar.gz archive.
func ExtractTarGz(archivePath, destDir string, progressCb ProgressCallback) error {
	if progressCb != nil {
		progressCb(Progress{Status: StatusExtracting, Message: "Extracting tar.gz archive..."})
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		destPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := writeEntry(destPath, tarReader, header.Name); err != nil {
			return err
		}
	}
	return nil
}

// Extract unpacks archivePath into destDir, choosing the format from the
// file name. ok is false when the file is not a known archive.
func Extract(archivePath, destDir string, progressCb ProgressCallback) (ok bool, err error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return true, ExtractZip(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".7z"):
		return true, Extract7z(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return true, ExtractTarGz(archivePath, destDir, progressCb)
	default:
		return false, nil
	}
}
