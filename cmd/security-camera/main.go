package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/clipcam/internal/api"
	"github.com/mikeyg42/clipcam/internal/camera"
	"github.com/mikeyg42/clipcam/internal/config"
	"github.com/mikeyg42/clipcam/internal/metrics"
	"github.com/mikeyg42/clipcam/internal/motion"
	"github.com/mikeyg42/clipcam/internal/recorder"
	"github.com/mikeyg42/clipcam/internal/recorder/clipwriter"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/clipcam/internal/recorder/storage"
	"github.com/mikeyg42/clipcam/internal/status"
	"github.com/mikeyg42/clipcam/internal/upload"
)

var _ api.HealthChecker = (*storage.MinIOUploader)(nil)

// Application struct that holds all components
type Application struct {
	config *config.Config
	logger recorderlog.Logger

	camera     *camera.Synthetic
	clips      *clipwriter.ClipWriter
	store      *storage.ClipStore
	uploader   storage.Uploader
	catalog    storage.Catalog
	uploads    *upload.Coordinator
	controller *recorder.Controller

	board   *status.Board
	metrics *metrics.Metrics
	events  recorder.EventQueue
	servers *ServerManager
	wg      sync.WaitGroup
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clipcam: %v\n", err)
		return 2
	}

	zl, err := recorderlog.Build(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clipcam: %v\n", err)
		return 2
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)
	logger := recorderlog.New(zl)
	recorderlog.ReplaceGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create application", recorderlog.Error(err))
		return 1
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		logger.Error("clipcam stopped with error", recorderlog.Error(err))
		return 1
	}
	return 0
}

// NewApplication builds every component from cfg. Nothing runs until Run.
func NewApplication(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*Application, error) {
	app := &Application{
		config:  cfg,
		logger:  logger,
		board:   status.NewBoard(),
		metrics: metrics.New(),
		events:  recorder.NewEventQueue(8),
	}

	cam, err := camera.NewSynthetic(syntheticConfig(cfg.Camera), camera.ModeWatch)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}
	app.camera = cam

	clips, err := clipwriter.Configure(cam.Capabilities(), clipwriter.Options{
		Dir:             cfg.Storage.ClipDir,
		FPS:             cfg.Recording.FPS,
		MaxClipDuration: cfg.Recording.MaxClipDuration,
		Logger:          logger.Named("clipwriter"),
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to configure clip writer: %w", err)
	}
	app.clips = clips

	store, err := storage.NewClipStore(cfg.Storage.ClipDir, clips.Extension())
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to open clip store: %w", err)
	}
	app.store = store
	if _, err := store.CheckFreeSpace(cfg.Storage.MinFreeMB << 20); err != nil {
		// Recording still works until the disk is actually full.
		logger.Warn("free space check failed", recorderlog.Error(err))
	}

	if err := app.initUploads(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}

	det, err := motion.New(cfg.Camera.MotionWidth, cfg.Camera.MotionHeight, cfg.Motion.Threshold,
		motion.WithPixelSensitivity(cfg.Motion.PixelSensitivity))
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create motion detector: %w", err)
	}

	app.controller, err = recorder.New(recorder.Config{
		DeviceID:                cfg.DeviceID,
		FPS:                     cfg.Recording.FPS,
		MaxClipDuration:         cfg.Recording.MaxClipDuration,
		IdleTimeout:             cfg.Recording.IdleTimeout,
		MinFramesBeforeIdleStop: cfg.Recording.MinFramesBeforeIdleStop,
		SizeMotionBytes:         cfg.Recording.SizeMotionBytes,
		FrameTimeout:            cfg.Recording.FrameTimeout,
		SettleFrames:            cfg.Recording.SettleFrames,
		MaxCameraErrors:         cfg.Recording.MaxCameraErrors,
	}, cam, det, clips, store, app.uploads,
		recorder.WithEvents(app.events),
		recorder.WithStatus(app.board),
		recorder.WithMetrics(app.metrics),
		recorder.WithLogger(logger.Named("recorder")),
	)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Status:  app.board,
			Queue:   app.uploads,
			Disk:    store,
			Events:  app.events,
			Catalog: app.catalog,
			Metrics: app.metrics.Handler(),
			Logger:  logger.Named("api"),
		}
		if hc, ok := app.uploader.(api.HealthChecker); ok {
			deps.Uploader = hc
		}
		app.servers = NewServerManager(api.NewServer(api.Options{
			Addr:           cfg.API.Addr,
			StatusInterval: cfg.API.StatusInterval,
			AllowedOrigins: cfg.API.AllowedOrigins,
		}, deps), cfg.API.Addr, logger.Named("servers"))
	}

	logger.Info("application initialized",
		recorderlog.String("device", cfg.DeviceID),
		recorderlog.String("clip_backend", clips.Backend()),
		recorderlog.String("uploader", app.uploader.Name()),
		recorderlog.String("clip_dir", store.Dir()))
	return app, nil
}

// initUploads picks the upload backend and the optional catalog.
func (app *Application) initUploads(ctx context.Context) error {
	cfg := app.config
	switch cfg.Upload.Backend {
	case "presign":
		p := cfg.Upload.Presign
		u, err := storage.NewPresignUploader(storage.PresignConfig{
			URL:            p.URL,
			APIKey:         p.APIKey,
			PresignTimeout: p.PresignTimeout,
			PutTimeout:     p.PutTimeout,
			MaxRetries:     p.MaxRetries,
			RetryBackoff:   p.RetryBackoff,
		}, app.store, nil)
		if err != nil {
			return fmt.Errorf("failed to create presign uploader: %w", err)
		}
		app.uploader = u
	case "minio":
		m := cfg.Upload.MinIO
		prefix := m.Prefix
		if prefix == "" {
			prefix = cfg.DeviceID
		}
		u, err := storage.NewMinIOUploader(ctx, storage.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Region:          m.Region,
			Prefix:          prefix,
			ConnectTimeout:  m.ConnectTimeout,
			RequestTimeout:  m.RequestTimeout,
			MaxRetries:      m.MaxRetries,
			RetryBackoff:    m.RetryBackoff,
		}, app.store)
		if err != nil {
			return fmt.Errorf("failed to create MinIO uploader: %w", err)
		}
		app.uploader = u
	default:
		app.uploader = storage.NopUploader{}
	}

	app.catalog = storage.NopCatalog{}
	if cfg.Catalog.DSN != "" {
		cat, err := storage.NewPostgresCatalog(ctx, storage.PostgresConfig{
			DSN:             cfg.Catalog.DSN,
			MaxConnections:  cfg.Catalog.MaxConnections,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
			ConnectTimeout:  cfg.Catalog.ConnectTimeout,
		})
		if err != nil {
			// Upload history is optional; uploads proceed without it.
			app.logger.Warn("upload catalog unavailable", recorderlog.Error(err))
		} else {
			app.catalog = cat
		}
	}

	uploads, err := upload.New(app.store, app.uploader,
		upload.WithQueueDepth(cfg.Upload.QueueDepth),
		upload.WithJobTimeout(cfg.Upload.JobTimeout),
		upload.WithLogger(app.logger.Named("upload")),
		upload.WithStatus(app.board),
		upload.WithMetrics(app.metrics),
		upload.WithCatalog(app.catalog, cfg.DeviceID),
	)
	if err != nil {
		return fmt.Errorf("failed to create upload coordinator: %w", err)
	}
	app.uploads = uploads
	return nil
}

// Run starts the upload worker, the API and the recording loop, and blocks
// until ctx is cancelled or the recording loop fails.
func (app *Application) Run(ctx context.Context) error {
	// The recorder finalizes its clip on cancellation; the worker must stay
	// up until then so the last clip can be queued.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	sigCtx, stopSignals := context.WithCancel(ctx)
	defer func() {
		stopSignals()
		stopWorker()
		app.wg.Wait()
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		_ = app.uploads.Run(workerCtx)
	}()

	if app.servers != nil {
		if err := app.servers.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			app.servers.Stop(shutdownCtx)
		}()
	}

	if app.config.Upload.RescanOnStart {
		if _, err := app.uploads.EnqueuePending(); err != nil {
			app.logger.Warn("startup rescan failed", recorderlog.Error(err))
		}
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.watchSignals(sigCtx)
	}()

	return app.controller.Run(ctx)
}

// watchSignals turns SIGUSR1 into an upload rescan.
func (app *Application) watchSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if !app.events.Post(recorder.Event{Kind: recorder.EventFlushUploads}) {
				app.logger.Warn("event queue full, rescan request dropped")
			}
		}
	}
}

// Cleanup releases the camera and the catalog.
func (app *Application) Cleanup() {
	if app.camera != nil {
		if err := app.camera.Close(); err != nil {
			app.logger.Warn("camera close failed", recorderlog.Error(err))
		}
	}
	if app.catalog != nil {
		if err := app.catalog.Close(); err != nil {
			app.logger.Warn("catalog close failed", recorderlog.Error(err))
		}
	}
	if app.uploads != nil {
		app.logger.Info("upload totals",
			recorderlog.Uint64("uploaded", app.uploads.Uploaded()),
			recorderlog.Uint64("failed", app.uploads.Failed()),
			recorderlog.Uint64("dropped", app.uploads.Dropped()))
	}
	if m, ok := app.uploader.(*storage.MinIOUploader); ok {
		app.logger.Info("minio totals", recorderlog.Any("metrics", m.GetMetrics()))
	}
}

func syntheticConfig(c config.CameraConfig) camera.SyntheticConfig {
	return camera.SyntheticConfig{
		Caps: camera.Capabilities{
			DeliversStill:     c.Output == "still",
			DeliversVideoUnit: c.Output == "video",
			RecordWidth:       c.RecordWidth,
			RecordHeight:      c.RecordHeight,
			MotionWidth:       c.MotionWidth,
			MotionHeight:      c.MotionHeight,
		},
		FrameInterval:   c.FrameInterval,
		ModeSwitchDelay: c.ModeSwitchDelay,
		MotionPeriod:    c.MotionPeriod,
		MotionDuration:  c.MotionDuration,
	}
}
