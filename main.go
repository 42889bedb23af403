package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/gazefield/appconfig"
	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/blobstore"
	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/deps"
	"github.com/stevecastle/gazefield/depth"
	"github.com/stevecastle/gazefield/downloads"
	"github.com/stevecastle/gazefield/gaze"
	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/logging"
	"github.com/stevecastle/gazefield/onnxdepth"
	"github.com/stevecastle/gazefield/parallax"
	"github.com/stevecastle/gazefield/runners"
	"github.com/stevecastle/gazefield/server"
	"github.com/stevecastle/gazefield/stream"
	"github.com/stevecastle/gazefield/tasks"
	"github.com/stevecastle/gazefield/viewer"
)

const (
	sessionIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.json (default: platform data dir)")
		addr       = flag.String("addr", "", "listen address, overrides the config")
		open       = flag.Bool("open", false, "open the viewer in the default browser")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *open); err != nil {
		slog.Error("gazefield exited", "error", err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------
// Startup
// -----------------------------------------------------------------------------

func loadConfig(path string) (appconfig.Config, string, error) {
	if path == "" {
		return appconfig.Load()
	}
	return appconfig.LoadFrom(path)
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// viewerOptions turns the viewer and atlas config sections into session options.
func viewerOptions(cfg appconfig.Config, pipeline *depth.Pipeline) viewer.Options {
	opts := viewer.DefaultOptions()
	opts.Cursor = cursor.Config{
		YawRange:         cfg.Viewer.YawRange,
		PitchRange:       cfg.Viewer.PitchRange,
		AlphaMin:         cfg.Viewer.EmaAlphaMin,
		AlphaMax:         cfg.Viewer.EmaAlphaMax,
		SmoothingPercent: opts.Cursor.SmoothingPercent,
		DeadZonePercent:  cfg.Viewer.DeadZone * 100,
	}
	opts.Renderer = parallax.Config{
		DepthScaleMin:        cfg.Viewer.DepthScaleMin,
		DepthScaleMax:        cfg.Viewer.DepthScaleMax,
		Segments:             cfg.Viewer.MeshSubdivisions,
		FallbackSegments:     cfg.Viewer.MeshSubdivisionsFallback,
		FrameTimeThresholdMs: cfg.Viewer.FrameTimeThresholdMs,
	}
	opts.Pipeline = pipeline
	opts.Grid = atlas.GridSpec{Min: cfg.Atlas.Min, Max: cfg.Atlas.Max, Step: cfg.Atlas.Step}
	opts.FallbackKey = cfg.Atlas.FallbackKey
	if cfg.Atlas.UpdatesPerSecond > 0 {
		opts.UpdatesPerSecond = cfg.Atlas.UpdatesPerSecond
	}
	return opts
}

// publicURL maps s3:// references onto the blob route served by this process.
func publicURL(store *blobstore.S3Store) func(string) string {
	return func(ref string) string {
		if key, ok := blobstore.KeyFromRef(ref); ok && store != nil {
			return "/api/blob/" + key
		}
		return ref
	}
}

func generationHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	}
	return u.Host
}

func run(configPath, addr string, openBrowser bool) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	closeLog, err := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closeLog()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	log := slog.Default().With("component", "main")
	log.Info("starting gazefield", "config", cfgPath, "instance", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ––– database –––
	db, err := openDB(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to sqlite", "path", cfg.Cache.DBPath)

	// ––– blob storage (optional) –––
	var store *blobstore.S3Store
	store, err = blobstore.New(ctx, blobstore.Config{
		Bucket:          cfg.Blob.Bucket,
		Region:          cfg.Blob.Region,
		Endpoint:        cfg.Blob.Endpoint,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
	})
	switch {
	case errors.Is(err, blobstore.ErrDisabled):
		log.Info("blob storage disabled")
	case err != nil:
		log.Warn("blob storage unavailable", "error", err)
		store = nil
	default:
		log.Info("blob storage ready", "bucket", store.Bucket())
	}

	// ––– atlas cache –––
	cacheStore, err := atlascache.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	prober := atlascache.NewHTTPProber(nil)
	if store != nil {
		prober.Objects = store
	}
	cache := atlascache.NewIndex(cacheStore, prober, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	// ––– generation –––
	client := gaze.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIToken, cfg.Generation.ModelVersion)
	client.PollInterval = time.Duration(cfg.Generation.PollIntervalMs) * time.Millisecond
	client.MaxAttempts = cfg.Generation.MaxPollAttempts
	if cfg.Generation.APIToken == "" {
		log.Warn("no generation API token; set REPLICATE_API_TOKEN to generate atlases")
	}
	svc := gaze.NewService(client, cache, cfg.Atlas.AngleLimit)
	svc.PublicURL = publicURL(store)
	if store != nil {
		svc.Mirror = store
		if cfg.Blob.MirrorPrefix != "" {
			svc.MirrorPrefix = cfg.Blob.MirrorPrefix
		}
	}

	// ––– events, queue, dependencies –––
	hub := stream.NewHub()
	defer hub.Close()

	queue := jobqueue.NewQueueWithDB(db)
	queue.SetPublisher(hub)
	host := generationHost(cfg.Generation.BaseURL)
	queue.SetCommandHost(tasks.AtlasGenerateCommand, host)
	queue.SetHostLimit(host, 1)
	log.Info("job queue initialized", "jobs", len(queue.GetJobs()))

	modelSource := deps.ModelSource{Path: cfg.DepthModel.ModelPath, URL: cfg.DepthModel.ModelURL}
	if store != nil && cfg.Blob.ModelKey != "" {
		modelSource.Blob, modelSource.BlobKey = store, cfg.Blob.ModelKey
	}
	deps.RegisterDepthModel(modelSource)
	deps.RegisterOnnxRuntime(cfg.DepthModel.ORTSharedLibraryPath)
	manager := downloads.NewManager(hub)
	if missing := deps.GetMissingRequired(ctx); len(missing) > 0 {
		for _, dep := range missing {
			log.Warn("missing dependency", "id", dep.ID, "name", dep.Name)
		}
	}

	// ––– depth –––
	ortPath := cfg.DepthModel.ORTSharedLibraryPath
	if ortPath == "" {
		if p, err := deps.GetFilePath(deps.OnnxRuntimeID, deps.GetOnnxRuntimeLibName()); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				ortPath = p
			}
		}
	}
	estimator := onnxdepth.New(onnxdepth.Options{
		ModelPath:            modelSource.ModelPath(),
		ORTSharedLibraryPath: ortPath,
		InputSize:            cfg.DepthModel.InputSize,
	})
	defer estimator.Close()
	pipeline := depth.NewPipeline(estimator)
	pipeline.FallbackOnly = cfg.Viewer.UseFallbackOnly

	// ––– tasks and runners –––
	registry := tasks.NewRegistry()
	tasks.RegisterAtlasGenerate(registry, &tasks.AtlasGenerator{
		Service:    svc,
		AngleLimit: cfg.Atlas.AngleLimit,
		Publisher:  hub,
	})
	tasks.RegisterDepthMap(registry, &tasks.DepthMapper{Pipeline: pipeline, MaxWidth: cfg.Viewer.MaxImageWidth})
	tasks.RegisterDownloadDependency(registry, manager)
	workers := runners.New(queue, registry)

	// ––– viewer sessions –––
	opts := viewerOptions(cfg, pipeline)
	opts.OnError = func(sessionID string, err error) {
		hub.Publish(stream.EventSessionError, map[string]string{"session": sessionID, "error": err.Error()})
	}
	sessions := viewer.NewRegistry(opts)
	defer sessions.CloseAll()
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				sessions.Sweep(now, sessionIdleTimeout)
			}
		}
	}()

	// ––– http –––
	d := &server.Dependencies{
		Config:     cfg,
		ConfigPath: cfgPath,
		Cache:      cache,
		Gaze:       svc,
		Sessions:   sessions,
		Queue:      queue,
		Tasks:      registry,
		Hub:        hub,
		Downloads:  manager,
		Context:    ctx,
	}
	if store != nil {
		d.Blob = store
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewMux(d),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if openBrowser {
		if err := browser.OpenURL(localURL(cfg.ListenAddr)); err != nil {
			log.Warn("failed to open browser", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// ––– shutdown –––
	log.Info("shutting down")
	manager.CancelAll()
	workers.Shutdown()
	if err := queue.SaveAllJobsToDB(); err != nil {
		log.Error("failed to save job queue", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}

func localURL(listenAddr string) string {
	host := listenAddr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + "/"
}
