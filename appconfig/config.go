package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/stevecastle/gazefield/platform"
)

// ViewerConfig tunes the continuous (depth parallax) viewer.
type ViewerConfig struct {
	YawRange    float64 `json:"yawRange"`
	PitchRange  float64 `json:"pitchRange"`
	EmaAlphaMin float64 `json:"emaAlphaMin"`
	EmaAlphaMax float64 `json:"emaAlphaMax"`
	// DeadZone is a fraction of the normalized [-1,1] radius.
	DeadZone float64 `json:"deadZone"`

	DepthScaleMin float64 `json:"depthScaleMin"`
	DepthScaleMax float64 `json:"depthScaleMax"`

	MeshSubdivisions         int     `json:"meshSubdivisions"`
	MeshSubdivisionsFallback int     `json:"meshSubdivisionsFallback"`
	FrameTimeThresholdMs     float64 `json:"frameTimeThresholdMs"`

	MaxImageWidth   int  `json:"maxImageWidth"`
	UseFallbackOnly bool `json:"useFallbackOnly"`
}

// AtlasConfig describes the gaze atlas lattice.
type AtlasConfig struct {
	Min              int     `json:"min"`
	Max              int     `json:"max"`
	Step             int     `json:"step"`
	Size             int     `json:"size"`
	FallbackKey      string  `json:"fallbackKey"`
	UpdatesPerSecond float64 `json:"updatesPerSecond"`
	// AngleLimit bounds min/max accepted by the cache-status and generation endpoints.
	AngleLimit int `json:"angleLimit"`
}

// DepthModelConfig locates the ONNX depth estimator.
type DepthModelConfig struct {
	ModelPath            string `json:"modelPath"`
	ModelURL             string `json:"modelUrl"`
	ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
	InputSize            int    `json:"inputSize"`
}

// GenerationConfig configures the hosted gaze-image backend.
type GenerationConfig struct {
	BaseURL         string `json:"baseUrl"`
	APIToken        string `json:"apiToken"`
	ModelVersion    string `json:"modelVersion"`
	PollIntervalMs  int    `json:"pollIntervalMs"`
	MaxPollAttempts int    `json:"maxPollAttempts"`
}

// CacheConfig configures the atlas cache index.
type CacheConfig struct {
	DBPath     string `json:"dbPath"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// BlobConfig configures the S3-compatible blob store. An empty Bucket disables it.
type BlobConfig struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	ModelKey        string `json:"modelKey"`
	MirrorPrefix    string `json:"mirrorPrefix"`
}

// LogConfig configures the slog sinks.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Config is the full on-disk configuration.
type Config struct {
	ListenAddr string `json:"listenAddr"`
	// InstanceID is generated once and identifies this server in logs.
	InstanceID string `json:"instanceId"`

	Viewer     ViewerConfig     `json:"viewer"`
	Atlas      AtlasConfig      `json:"atlas"`
	DepthModel DepthModelConfig `json:"depthModel"`
	Generation GenerationConfig `json:"generation"`
	Cache      CacheConfig      `json:"cache"`
	Blob       BlobConfig       `json:"blob"`
	Log        LogConfig        `json:"log"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultConfigDir returns the platform data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// DefaultDBPath returns the default cache/job database path.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "gazefield.db")
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":8090",
		Viewer: ViewerConfig{
			YawRange:                 12,
			PitchRange:               8,
			EmaAlphaMin:              0.1,
			EmaAlphaMax:              0.35,
			DeadZone:                 0.08,
			DepthScaleMin:            0.01,
			DepthScaleMax:            0.025,
			MeshSubdivisions:         128,
			MeshSubdivisionsFallback: 64,
			FrameTimeThresholdMs:     16.7,
			MaxImageWidth:            1024,
		},
		Atlas: AtlasConfig{
			Min:              -15,
			Max:              15,
			Step:             3,
			Size:             1024,
			FallbackKey:      "px0_py0",
			UpdatesPerSecond: 30,
			AngleLimit:       15,
		},
		DepthModel: DepthModelConfig{
			ModelURL:  "https://huggingface.co/onnx-community/depth-anything-v2-small/resolve/main/onnx/model.onnx",
			InputSize: 518,
		},
		Generation: GenerationConfig{
			BaseURL:         "https://api.replicate.com",
			ModelVersion:    "bf913bc90e1c44ba288ba3942a538693b72e8cc7df576f3beebe56adc0a92b86",
			PollIntervalMs:  1000,
			MaxPollAttempts: 60,
		},
		Cache: CacheConfig{
			DBPath:     DefaultDBPath(),
			TTLSeconds: 30 * 24 * 60 * 60,
		},
		Blob: BlobConfig{
			Region:       "us-east-1",
			ModelKey:     "depth-anything-v2-small.onnx",
			MirrorPrefix: "atlas/",
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(platform.GetDataDir(), "logs", "gazefield.log"),
		},
	}
}

// Default returns a Config populated with defaults, without touching disk.
func Default() Config {
	return defaultConfig()
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

// deepMergeJSON overlays src onto dst, recursing into nested objects so keys
// unknown to this version of Config survive a save.
func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok || !isJSONObject(existing) || !isJSONObject(v) {
			dst[k] = v
			continue
		}
		var dstObj, srcObj map[string]json.RawMessage
		if json.Unmarshal(existing, &dstObj) != nil || json.Unmarshal(v, &srcObj) != nil {
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
	}
}

func configPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads config.json from the platform data directory, creating it with
// defaults when missing.
func Load() (Config, string, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config at path. Missing fields take their defaults;
// a missing file is created. Secrets can be overridden from the environment.
func LoadFrom(path string) (Config, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create config directory: %w", err)
	}

	def := defaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		def.InstanceID = newInstanceID()
		if err := SaveTo(path, def); err != nil {
			return Config{}, path, fmt.Errorf("failed to create default config file: %w", err)
		}
		c := applyEnv(def)
		Set(c)
		return c, path, nil
	}
	if err != nil {
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	// Unmarshal over the defaults so absent keys keep their default values.
	c := def
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	needsSave := false
	if c.InstanceID == "" {
		c.InstanceID = newInstanceID()
		needsSave = true
	}
	fillZeroes(&c, def)

	if needsSave {
		// Non-fatal; the in-memory config is still usable.
		_ = SaveTo(path, c)
	}

	c = applyEnv(c)
	Set(c)
	return c, path, nil
}

// fillZeroes repairs fields an older file explicitly set to zero values that
// would make the viewer or lattice degenerate.
func fillZeroes(c *Config, def Config) {
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Viewer.EmaAlphaMax <= 0 {
		c.Viewer.EmaAlphaMin = def.Viewer.EmaAlphaMin
		c.Viewer.EmaAlphaMax = def.Viewer.EmaAlphaMax
	}
	if c.Viewer.MeshSubdivisions <= 0 {
		c.Viewer.MeshSubdivisions = def.Viewer.MeshSubdivisions
	}
	if c.Viewer.MeshSubdivisionsFallback <= 0 {
		c.Viewer.MeshSubdivisionsFallback = def.Viewer.MeshSubdivisionsFallback
	}
	if c.Atlas.Step <= 0 {
		c.Atlas.Step = def.Atlas.Step
	}
	if c.Atlas.Min >= c.Atlas.Max {
		c.Atlas.Min, c.Atlas.Max = def.Atlas.Min, def.Atlas.Max
	}
	if c.Atlas.FallbackKey == "" {
		c.Atlas.FallbackKey = def.Atlas.FallbackKey
	}
	if c.Generation.MaxPollAttempts <= 0 {
		c.Generation.MaxPollAttempts = def.Generation.MaxPollAttempts
	}
	if c.Generation.PollIntervalMs <= 0 {
		c.Generation.PollIntervalMs = def.Generation.PollIntervalMs
	}
	if c.Cache.DBPath == "" {
		c.Cache.DBPath = def.Cache.DBPath
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = def.Cache.TTLSeconds
	}
}

func applyEnv(c Config) Config {
	if tok := os.Getenv("REPLICATE_API_TOKEN"); tok != "" {
		c.Generation.APIToken = tok
	}
	if bucket := os.Getenv("GAZEFIELD_S3_BUCKET"); bucket != "" {
		c.Blob.Bucket = bucket
	}
	return c
}

// Save writes c to the default config path.
func Save(c Config) (string, error) {
	path := configPath()
	return path, SaveTo(path, c)
}

// SaveTo merges c into whatever JSON already exists at path and writes it back.
func SaveTo(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(path); err == nil {
		var tmp map[string]json.RawMessage
		if json.Unmarshal(existing, &tmp) == nil {
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

	out, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return nil
}

func newInstanceID() string {
	return uuid.NewString()
}
