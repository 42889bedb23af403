package deps

import (
	"path/filepath"
	"runtime"

	"github.com/stevecastle/gazefield/platform"
)

// OnnxRuntimeVersion is the runtime release fetched by the onnxruntime dependency.
const OnnxRuntimeVersion = "1.22.0"

// GetDepsDir returns the installation directory for a dependency, e.g.
// ~/.local/share/gazefield/models on Linux.
func GetDepsDir(subdir string) string {
	return filepath.Join(platform.GetDataDir(), subdir)
}

// GetOnnxRuntimeLibName returns the platform-specific ONNX Runtime library name.
func GetOnnxRuntimeLibName() string {
	if runtime.GOOS == "windows" {
		return "onnxruntime" + platform.SharedLibExtension()
	}
	return "libonnxruntime" + platform.SharedLibExtension()
}

// GetOnnxRuntimeDownloadURL returns the release archive for goos/arch.
func GetOnnxRuntimeDownloadURL(version, goos, arch string) string {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	switch goos {
	case "windows":
		if arch == "arm64" {
			return base + "win-arm64-" + version + ".zip"
		}
		return base + "win-x64-" + version + ".zip"
	case "darwin":
		if arch == "arm64" {
			return base + "osx-arm64-" + version + ".tgz"
		}
		return base + "osx-x86_64-" + version + ".tgz"
	default:
		if arch == "arm64" {
			return base + "linux-aarch64-" + version + ".tgz"
		}
		return base + "linux-x64-" + version + ".tgz"
	}
}

// IsOnnxRuntimeArchiveZip reports whether goos ships ONNX Runtime as a ZIP.
func IsOnnxRuntimeArchiveZip(goos string) bool {
	return goos == "windows"
}
