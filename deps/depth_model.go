package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/stevecastle/gazefield/downloads"
)

// DepthModelID identifies the depth estimation model dependency.
const DepthModelID = "depth-model"

// DefaultModelFile is the file name the model is stored under.
const DefaultModelFile = "depth-model.onnx"

// BlobDownloader streams an object from blob storage. *blobstore.S3Store
// implements it.
type BlobDownloader interface {
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
}

// ModelSource says where the depth model lives and where to get it.
type ModelSource struct {
	// Path is the model file on disk; empty uses the data dir.
	Path string
	// URL is the CDN fallback. Archive URLs (.zip, .7z, .tgz) are unpacked
	// and the first .onnx inside is kept.
	URL string
	// Blob and BlobKey, when both set, are tried before URL.
	Blob    BlobDownloader
	BlobKey string
}

// ModelPath returns the resolved model path for src.
func (src ModelSource) ModelPath() string {
	if src.Path != "" {
		return src.Path
	}
	return filepath.Join(GetDepsDir("models"), DefaultModelFile)
}

// RegisterDepthModel registers the depth model dependency.
func RegisterDepthModel(src ModelSource) {
	modelPath := src.ModelPath()
	Register(&Dependency{
		ID:            DepthModelID,
		Name:          "Depth Model",
		Description:   "Monocular depth estimation model (ONNX) for the parallax viewer",
		TargetDir:     filepath.Dir(modelPath),
		LatestVersion: "depth-anything-v2-small",
		DownloadURL:   src.URL,
		ExpectedSize:  100 * 1024 * 1024,
		// The viewer falls back to a synthetic depth field without it.
		Optional: true,
		Check: func(ctx context.Context) (bool, string, error) {
			return checkFile(modelPath, DepthModelID)
		},
		DownloadFn: func(ctx context.Context, progress downloads.ProgressCallback) error {
			return downloadDepthModel(ctx, src, progress)
		},
	})
}

// computeModelVersion returns the first 12 hex chars of the file's SHA-256.
func computeModelVersion(modelPath string) (string, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:12], nil
}

func downloadDepthModel(ctx context.Context, src ModelSource, progress downloads.ProgressCallback) error {
	modelPath := src.ModelPath()
	dir := filepath.Dir(modelPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fetched := false
	if src.Blob != nil && src.BlobKey != "" {
		if err := fetchFromBlob(ctx, src, modelPath, progress); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			progress(downloads.Progress{Status: downloads.StatusDownloading, Message: fmt.Sprintf("Blob storage unavailable (%v), trying CDN", err)})
		} else {
			fetched = true
		}
	}
	if !fetched {
		if src.URL == "" {
			return fmt.Errorf("no download source configured for %s", DepthModelID)
		}
		if err := fetchFromURL(ctx, src.URL, modelPath, progress); err != nil {
			return err
		}
	}

	version, err := computeModelVersion(modelPath)
	if err != nil {
		return fmt.Errorf("failed to hash model: %w", err)
	}
	recordInstall(DepthModelID, version, dir, map[string]string{filepath.Base(modelPath): modelPath})
	return nil
}

func fetchFromBlob(ctx context.Context, src ModelSource, modelPath string, progress downloads.ProgressCallback) error {
	progress(downloads.Progress{Status: downloads.StatusDownloading, Message: "Downloading model from blob storage..."})
	tmp := modelPath + downloads.PartialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	n, err := src.Blob.Download(ctx, src.BlobKey, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	progress(downloads.Progress{
		Status:  downloads.StatusDownloading,
		Message: "Downloaded " + downloads.FormatBytes(n),
		Bytes:   n,
		Total:   n,
		Percent: 100,
	})
	return os.Rename(tmp, modelPath)
}

// archiveName returns the file name of rawURL's path, ignoring the query.
func archiveName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}

func fetchFromURL(ctx context.Context, rawURL, modelPath string, progress downloads.ProgressCallback) error {
	speed := downloads.NewRate()
	onBytes := func(downloaded, total int64) {
		progress(byteProgress("depth model", downloaded, total, speed.Update(downloaded)))
	}

	name := archiveName(rawURL)
	if !downloads.IsArchive(name) {
		if err := downloads.DownloadWithRetry(ctx, modelPath, rawURL, onBytes); err != nil {
			return fmt.Errorf("failed to download depth model: %w", err)
		}
		return nil
	}

	archive := filepath.Join(filepath.Dir(modelPath), name)
	defer os.Remove(archive)
	if err := downloads.DownloadWithRetry(ctx, archive, rawURL, onBytes); err != nil {
		return fmt.Errorf("failed to download depth model bundle: %w", err)
	}
	isModel := func(entry string) bool { return strings.HasSuffix(strings.ToLower(entry), ".onnx") }
	if err := downloads.ExtractFile(archive, modelPath, isModel, progress); err != nil {
		return fmt.Errorf("failed to extract depth model: %w", err)
	}
	return nil
}
