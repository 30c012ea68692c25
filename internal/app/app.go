// Package app wires the activity services together and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	apihttp "github.com/CellTimesCell/new-lms-system1/internal/api/http"
	"github.com/CellTimesCell/new-lms-system1/internal/bus"
	"github.com/CellTimesCell/new-lms-system1/internal/config"
	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/internal/observability"
	"github.com/CellTimesCell/new-lms-system1/internal/partition"
	"github.com/CellTimesCell/new-lms-system1/internal/rollup"
	"github.com/CellTimesCell/new-lms-system1/internal/server"
	"github.com/CellTimesCell/new-lms-system1/internal/storage"
)

// App owns the event log, rollup engine, archiver, and API server.
type App struct {
	cfg *config.Config

	// Shared resources
	log      *eventlog.Log
	notifier *bus.Notifier
	store    rollup.Store
	engine   *rollup.Engine
	storage  storage.ObjectStorage
	catalog  *partition.Catalog
	archiver *partition.Archiver
	stats    *observability.IngestStats
	shutdown *server.ShutdownManager

	apiServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App from the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes shared resources and starts the configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunEngine() {
		if err := a.engine.Start(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start rollup engine: %w", err)
		}
		a.shutdown.RegisterCloser(server.CloserFunc(func() error {
			a.engine.Stop()
			return nil
		}))
		log.Printf("[app] rollup engine started: poll_interval=%v", a.cfg.Rollup.PollInterval)
	}

	if a.cfg.ShouldRunIngest() || a.cfg.Mode == config.ModeQuery {
		if err := a.startAPIServer(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	log.Printf("[app] started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources opens the event log, rollup store, object storage,
// and archive catalog.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Storage.S3.Region,
			Endpoint: a.cfg.Storage.S3.Endpoint,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("[app] storage initialized: type=%s", a.cfg.Storage.Type)

	maxSegSize := int64(a.cfg.EventLog.MaxSegmentSizeMB) * 1024 * 1024
	a.log, err = eventlog.Open(a.cfg.EventLog.Dir, maxSegSize, a.cfg.EventLog.ExpectedEvents)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	log.Printf("[app] event log opened: dir=%s next_offset=%d seen_events=%d",
		a.cfg.EventLog.Dir, a.log.NextOffset(), a.log.SeenEvents())

	a.notifier = bus.NewNotifier(64)
	a.log.SetNotifier(a.notifier)

	a.store, err = rollup.NewSQLiteStore(a.cfg.Rollup.Dir)
	if err != nil {
		return fmt.Errorf("failed to open rollup store: %w", err)
	}
	log.Printf("[app] rollup store opened: dir=%s", a.cfg.Rollup.Dir)

	a.engine = rollup.NewEngine(a.log, a.store, a.notifier, a.cfg.Rollup.PollInterval)

	a.catalog, err = partition.NewCatalog(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to open archive catalog: %w", err)
	}
	a.archiver = partition.NewArchiver(a.log, a.storage, a.catalog, a.cfg.Archive.BuildDir)

	a.stats = observability.NewIngestStats()
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})

	// Close order is LIFO: catalog and store close before the log.
	a.shutdown.RegisterCloser(a.log)
	a.shutdown.RegisterCloser(a.store)
	a.shutdown.RegisterCloser(a.catalog)

	return nil
}

// startAPIServer starts the ingestion and rollup query HTTP server.
func (a *App) startAPIServer() error {
	handler := server.ShutdownMiddleware(a.shutdown)(
		apihttp.NewRouter(a.log, a.store, a.stats),
	)

	a.apiServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	// Registered last so LIFO closes the server before the pipeline under it.
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.apiServer.Shutdown(ctx)
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("[app] API server listening on %s", a.cfg.HTTP.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[app] API server error: %v", err)
		}
	}()

	return nil
}

// ArchiveMonth seals a closed month into an archive file and uploads it.
func (a *App) ArchiveMonth(ctx context.Context, month string) (*partition.ArchiveInfo, error) {
	a.mu.Lock()
	archiver := a.archiver
	a.mu.Unlock()

	if archiver == nil {
		return nil, fmt.Errorf("archiver not initialized")
	}
	return archiver.ArchiveMonth(ctx, month)
}

// Stop gracefully stops the services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("[app] initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Runs the registered closers: API server, engine, catalog, store, log.
	if err := a.shutdown.Shutdown(shutdownCtx, "stop requested"); err != nil {
		log.Printf("[app] shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("[app] shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("[app] stopped")
	return nil
}

// cleanup releases partially initialized resources after a failed start.
func (a *App) cleanup() {
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

// WaitForShutdown blocks until a termination signal is received, then stops
// the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
