package deps

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/stevecastle/gazefield/downloads"
)

// OnnxRuntimeID identifies the ONNX Runtime shared library dependency.
const OnnxRuntimeID = "onnxruntime"

// RegisterOnnxRuntime registers the runtime library. libPath overrides the
// install location; empty uses the data dir.
func RegisterOnnxRuntime(libPath string) {
	dir := GetDepsDir("onnxruntime")
	if libPath != "" {
		dir = filepath.Dir(libPath)
	} else {
		libPath = filepath.Join(dir, GetOnnxRuntimeLibName())
	}
	Register(&Dependency{
		ID:            OnnxRuntimeID,
		Name:          "ONNX Runtime",
		Description:   "Inference runtime used by the depth model",
		TargetDir:     dir,
		LatestVersion: OnnxRuntimeVersion,
		DownloadURL:   GetOnnxRuntimeDownloadURL(OnnxRuntimeVersion, runtime.GOOS, runtime.GOARCH),
		ExpectedSize:  20 * 1024 * 1024,
		Optional:      true,
		Check: func(ctx context.Context) (bool, string, error) {
			return checkFile(libPath, OnnxRuntimeID)
		},
		DownloadFn: func(ctx context.Context, progress downloads.ProgressCallback) error {
			return downloadOnnxRuntime(ctx, libPath, runtime.GOOS, runtime.GOARCH, progress)
		},
	})
}

// checkFile reports whether path exists, returning the recorded version.
func checkFile(path, depID string) (bool, string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, "", nil
	} else if err != nil {
		return false, "", fmt.Errorf("error checking %s: %w", path, err)
	}
	version := ""
	if meta, ok := GetMetadataStore().Get(depID); ok {
		version = meta.InstalledVersion
	}
	return true, version, nil
}

// isOnnxRuntimeLib matches the main runtime library inside a release archive,
// skipping the provider plugins.
func isOnnxRuntimeLib(goos, name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.Contains(name, "_providers_") || !strings.Contains(name, "/lib/") {
		return false
	}
	base := path.Base(name)
	switch goos {
	case "windows":
		return strings.EqualFold(base, "onnxruntime.dll")
	case "darwin":
		return strings.HasPrefix(base, "libonnxruntime.") && strings.HasSuffix(base, ".dylib")
	default:
		return strings.HasPrefix(base, "libonnxruntime.so.")
	}
}

func downloadOnnxRuntime(ctx context.Context, libPath, goos, arch string, progress downloads.ProgressCallback) error {
	if arch != "amd64" && arch != "arm64" {
		return fmt.Errorf("no ONNX Runtime build for architecture %s", arch)
	}
	dir := filepath.Dir(libPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	url := GetOnnxRuntimeDownloadURL(OnnxRuntimeVersion, goos, arch)
	archive := filepath.Join(dir, "onnxruntime.tgz")
	if IsOnnxRuntimeArchiveZip(goos) {
		archive = filepath.Join(dir, "onnxruntime.zip")
	}
	defer os.Remove(archive)

	speed := downloads.NewRate()
	err := downloads.DownloadWithRetry(ctx, archive, url, func(downloaded, total int64) {
		progress(byteProgress("ONNX Runtime", downloaded, total, speed.Update(downloaded)))
	})
	if err != nil {
		return fmt.Errorf("failed to download ONNX Runtime: %w", err)
	}

	progress(downloads.Progress{Status: downloads.StatusExtracting, Message: "Extracting ONNX Runtime library..."})
	match := func(name string) bool { return isOnnxRuntimeLib(goos, name) }
	if err := downloads.ExtractFile(archive, libPath, match, progress); err != nil {
		return fmt.Errorf("failed to extract ONNX Runtime: %w", err)
	}

	recordInstall(OnnxRuntimeID, OnnxRuntimeVersion, dir, map[string]string{filepath.Base(libPath): libPath})
	return nil
}

func byteProgress(what string, downloaded, total, speed int64) downloads.Progress {
	percent := float64(0)
	if total > 0 {
		percent = float64(downloaded) / float64(total) * 100
	}
	return downloads.Progress{
		Status:  downloads.StatusDownloading,
		Message: fmt.Sprintf("Downloading %s: %s / %s", what, downloads.FormatBytes(downloaded), downloads.FormatBytes(total)),
		Bytes:   downloaded,
		Total:   total,
		Percent: percent,
		Speed:   speed,
	}
}

// recordInstall stores the installed file set in the metadata store.
func recordInstall(depID, version, dir string, files map[string]string) {
	infos := make(map[string]FileInfo, len(files))
	for name, p := range files {
		fi := FileInfo{Path: p}
		if st, err := os.Stat(p); err == nil {
			fi.Size = st.Size()
		}
		infos[name] = fi
	}
	store := GetMetadataStore()
	now := time.Now()
	store.Update(depID, Record{
		InstalledVersion: version,
		Status:           StatusInstalled,
		InstallPath:      dir,
		LastChecked:      now,
		LastUpdated:      now,
		Files:            infos,
	})
	store.Save()
}
