package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/pagescan-ocr/internal/config"
	"github.com/MimeLyc/pagescan-ocr/internal/httpapi"
	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/persistence"
	"github.com/MimeLyc/pagescan-ocr/internal/pipeline"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatal("Failed to load .env: %v", err)
	}

	settingsPath := config.RuntimeSettingsFilePath()
	var opts []config.Option
	settings, err := config.LoadRuntimeSettingsFile(settingsPath)
	switch {
	case err == nil:
		opts = append(opts, config.WithRuntimeSettings(settings))
	case !errors.Is(err, os.ErrNotExist):
		log.Warn("Ignoring runtime settings %s: %v", settingsPath, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	initLogger(cfg.System)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, settingsPath)
	if err != nil {
		log.Fatal("Failed to start: %v", err)
	}
	defer app.close()

	if err := runWithComponents(ctx, cfg, app.poller, app.cron, app.server); err != nil {
		log.Error("Server stopped: %v", err)
	}
}

func initLogger(sys config.SystemConfig) {
	level := log.ParseLevel(sys.LogLevel)
	if sys.LogFormat == "json" {
		log.SetLogger(log.NewJSONLogger(level))
		return
	}
	log.InitLogger(level)
}

type app struct {
	poller *pipeline.Poller
	cron   *cron.Cron
	server *httpapi.Server
	queue  *jobs.Queue
	closer io.Closer
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			log.Warn("Closing job store: %v", err)
		}
	}
	_ = log.Sync()
}

func build(ctx context.Context, cfg *config.Config, settingsPath string) (*app, error) {
	store, closer, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a := &app{closer: closer}

	signer := storage.NewSigner([]byte(cfg.Storage.SigningKey), cfg.HTTP.PublicBaseURL)
	objects, err := storage.NewFS(cfg.Storage.Dir, signer)
	if err != nil {
		a.close()
		return nil, err
	}

	provider, err := newProvider(cfg.OCR, objects)
	if err != nil {
		a.close()
		return nil, err
	}

	p := pipeline.New(store, objects, provider, pipeline.Options{
		WorkDir:           cfg.System.WorkDir,
		MaxItemAttempts:   cfg.OCR.MaxItemAttempts,
		UploadConcurrency: cfg.Pipeline.UploadConcurrency,
		ThumbnailSize:     cfg.Pipeline.ThumbnailSize,
		SignedURLTTL:      cfg.Storage.SignedURLTTL,
	})
	a.queue = jobs.NewQueue(cfg.Pipeline.WorkerCount, store)
	p.WithDispatcher(a.queue.Enqueue)
	a.queue.Start(p.Run)

	a.cron = cron.New()
	a.poller = pipeline.NewPoller(store, a.queue.Enqueue, a.cron, cfg.Pipeline.PollCron)

	serverOpts := []httpapi.Option{
		httpapi.WithPoller(a.poller),
		httpapi.WithSignedURLTTL(cfg.Storage.SignedURLTTL),
	}
	settingsStore, err := config.NewRuntimeSettingsStore(settingsPath, cfg.RuntimeSettings())
	if err != nil {
		log.Warn("Runtime settings disabled: %v", err)
	} else {
		serverOpts = append(serverOpts, httpapi.WithRuntimeSettingsStore(settingsStore))
	}
	a.server = httpapi.NewServer(p, store, objects, signer, serverOpts...)
	return a, nil
}

type jobStore interface {
	jobs.Store
	io.Closer
}

func openStore(ctx context.Context, db config.DBConfig) (jobs.Store, io.Closer, error) {
	var (
		store jobStore
		err   error
	)
	switch db.Driver {
	case config.DriverPostgres:
		store, err = persistence.NewPostgresStore(ctx, db.URL, int32(db.MaxConns))
	default:
		store, err = persistence.NewSQLiteStore(db.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s job store: %w", db.Driver, err)
	}
	log.Info("Using %s job store", db.Driver)
	return store, store, nil
}

func newProvider(cfg config.OCRConfig, objects storage.Storage) (recognition.Provider, error) {
	switch cfg.Provider {
	case config.ProviderTesseract:
		return newTesseractProvider(objects, cfg.Languages)
	default:
		client, err := recognition.NewClient(&recognition.Config{
			APIURL:    cfg.APIURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			Languages: cfg.Languages,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// runWithComponents schedules the poller, serves HTTP and shuts both down
// when ctx is cancelled.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	engine.Start()
	defer engine.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
