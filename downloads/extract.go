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
	"github.com/stevecastle/gazefield/platform"
)

// ErrNoMatch is returned when a single-file extraction finds nothing.
var ErrNoMatch = errors.New("no matching file found in archive")

// writeEntry copies r to destPath, creating parents. exec sets the
// executable bit afterwards.
func writeEntry(r io.Reader, destPath string, exec bool) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(destPath), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if exec {
		// Best effort; Windows has no executable bit.
		_ = platform.EnsureExecutable(destPath)
	}
	return nil
}

// walkTarGz calls fn for every entry until it returns false or an error.
func walkTarGz(archivePath string, fn func(*tar.Header, io.Reader) (bool, error)) error {
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
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		more, err := fn(header, tarReader)
		if err != nil || !more {
			return err
		}
	}
}

func reportSearch(cb ProgressCallback, msg string) {
	if cb != nil {
		cb(Progress{Status: StatusExtracting, Message: msg})
	}
}

// ExtractFileFromTarGz writes the first regular file whose name satisfies
// matchFunc to destPath.
func ExtractFileFromTarGz(archivePath, destPath string, matchFunc func(name string) bool, progressCb ProgressCallback) error {
	reportSearch(progressCb, "Searching archive...")
	found := false
	err := walkTarGz(archivePath, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Typeflag != tar.TypeReg || !matchFunc(header.Name) {
			return true, nil
		}
		reportSearch(progressCb, fmt.Sprintf("Extracting %s...", filepath.Base(header.Name)))
		found = true
		return false, writeEntry(r, destPath, true)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNoMatch
	}
	return nil
}

// ExtractFileFromZip writes the first file whose name satisfies matchFunc
// to destPath.
func ExtractFileFromZip(archivePath, destPath string, matchFunc func(name string) bool, progressCb ProgressCallback) error {
	reportSearch(progressCb, "Searching archive...")

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !matchFunc(file.Name) {
			continue
		}
		reportSearch(progressCb, fmt.Sprintf("Extracting %s...", filepath.Base(file.Name)))
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open file in archive: %w", err)
		}
		defer rc.Close()
		return writeEntry(rc, destPath, false)
	}
	return ErrNoMatch
}

// ExtractFileFrom7z writes the first file whose name satisfies matchFunc
// to destPath.
func ExtractFileFrom7z(archivePath, destPath string, matchFunc func(name string) bool, progressCb ProgressCallback) error {
	reportSearch(progressCb, "Searching archive...")

	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !matchFunc(file.Name) {
			continue
		}
		reportSearch(progressCb, fmt.Sprintf("Extracting %s...", filepath.Base(file.Name)))
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		defer rc.Close()
		return writeEntry(rc, destPath, false)
	}
	return ErrNoMatch
}

// ExtractFile dispatches on the archive extension: .zip, .7z, .tgz or .tar.gz.
func ExtractFile(archivePath, destPath string, matchFunc func(name string) bool, progressCb ProgressCallback) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractFileFromZip(archivePath, destPath, matchFunc, progressCb)
	case strings.HasSuffix(lower, ".7z"):
		return ExtractFileFrom7z(archivePath, destPath, matchFunc, progressCb)
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return ExtractFileFromTarGz(archivePath, destPath, matchFunc, progressCb)
	default:
		return fmt.Errorf("unsupported archive type: %s", filepath.Base(archivePath))
	}
}

// IsArchive reports whether name has an extension ExtractFile understands.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".zip", ".7z", ".tgz", ".tar.gz"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
