// Package app provides application-level wiring for the collection
// server: it opens the stores, builds every service and the HTTP router,
// and runs the server with its background jobs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"lcc-server/internal/api"
	"lcc-server/internal/config"
	"lcc-server/internal/db"
	"lcc-server/internal/db/repository"
	"lcc-server/internal/middleware"
	"lcc-server/internal/service/bundle"
	"lcc-server/internal/service/catalog"
	"lcc-server/internal/service/dataset"
	"lcc-server/internal/service/query"
	"lcc-server/internal/service/results"
	"lcc-server/internal/service/search"
	"lcc-server/internal/service/storage"
	"lcc-server/internal/spatial"
	"lcc-server/policy"
)

// Options adjusts wiring for internal tooling.
type Options struct {
	// FailFast makes searches return the first per-collection error.
	FailFast bool
	// Converter replaces bundle.CopyConverter.
	Converter bundle.Converter
}

// App holds the fully wired application.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Roles       *policy.Store
	Collections *repository.CollectionRepo
	Registry    *catalog.Registry
	Loader      *spatial.Loader
	Engine      *search.Engine
	Datasets    *dataset.Store
	Bundler     *bundle.Bundler
	Publisher   storage.Publisher
	Queries     *query.QueryService
	Janitor     *dataset.Janitor
	RateLimiter *middleware.RateLimiter
	Router      http.Handler

	pool    *query.Pool
	closers []func() error
}

// New opens the root index store, the dataset index store and the session
// pool, applies migrations and wires every service. An unreachable root
// index store is an error.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	for _, dir := range []string{filepath.Dir(cfg.IndexDBPath), filepath.Dir(cfg.DatasetsDBPath), cfg.DatasetsDir, cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	// === Stores ===
	indexDB, err := a.openStore(ctx, cfg.IndexDBPath, db.MigrationsIndex)
	if err != nil {
		return nil, fmt.Errorf("root index store: %w", err)
	}
	datasetsWrite, err := a.openStore(ctx, cfg.DatasetsDBPath, db.MigrationsDatasets)
	if err != nil {
		return nil, fmt.Errorf("dataset index store: %w", err)
	}
	datasetsRead, err := db.OpenSQLite(cfg.DatasetsDBPath, db.ModeRead, 4)
	if err != nil {
		return nil, fmt.Errorf("dataset index store: %w", err)
	}
	a.closers = append(a.closers, datasetsRead.Close)
	sessions, err := db.OpenSessionPool(cfg.Workers + 2)
	if err != nil {
		return nil, fmt.Errorf("session pool: %w", err)
	}
	a.closers = append(a.closers, sessions.Close)

	// === Access policy ===
	a.Roles = policy.NewStore()
	if cfg.RoleLimitsFile != "" {
		if err := a.Roles.LoadLimitsFile(cfg.RoleLimitsFile); err != nil {
			return nil, err
		}
		logger.Info("role limits loaded", "file", cfg.RoleLimitsFile)
	}
	access := policy.NewChecker(a.Roles)

	// === Services ===
	a.Collections = repository.NewCollectionRepo(indexDB)
	datasetRepo := repository.NewDatasetRepo(datasetsWrite, datasetsRead)

	a.Registry = catalog.NewRegistry(a.Collections, sessions, access, cfg.MaxAttached, logger.With("component", "registry"))
	a.Loader = spatial.NewLoader(logger.With("component", "spatial"))
	a.Engine = search.NewEngine(a.Loader, nil, search.Options{
		ConeMaxArcmin:       cfg.ConeMaxArcmin,
		XMatchMaxArcsec:     cfg.XMatchMaxArcsec,
		XMatchDefaultArcsec: cfg.XMatchDefArcsec,
		FailFast:            opts.FailFast,
	}, logger.With("component", "search"))

	seed := uint64(time.Now().UnixNano())
	pipeline := results.NewPipeline(rand.New(rand.NewPCG(seed, seed>>1)))
	a.Datasets = dataset.NewStore(datasetRepo, access, cfg.DatasetsDir, cfg.RowsPerPage, pipeline, logger.With("component", "datasets"))

	converter := opts.Converter
	if converter == nil {
		converter = bundle.CopyConverter{}
	}
	a.Bundler = bundle.NewBundler(datasetRepo, cfg.ArchiveDir, cfg.MaxBundleFiles, cfg.BundleWorkers, converter, logger.With("component", "bundler"))

	if a.Publisher, err = storage.New(cfg); err != nil {
		return nil, fmt.Errorf("archive publisher: %w", err)
	}

	a.pool = query.NewPool(cfg.Workers, logger.With("component", "pool"))
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	supervisor := query.NewSupervisor(a.pool, func(setid string) string {
		return query.DatasetURL(cfg.PublicURL, setid)
	}, logger.With("component", "supervisor"))

	a.Queries = query.NewQueryService(query.Deps{
		Registry:   a.Registry,
		Engine:     a.Engine,
		Datasets:   a.Datasets,
		Bundler:    a.Bundler,
		Publisher:  a.Publisher,
		Limits:     a.Roles,
		Supervisor: supervisor,
	}, query.Options{
		QueryTimeout:  cfg.QueryTimeout,
		BundleTimeout: cfg.BundleTimeout,
		PublicURL:     cfg.PublicURL,
	}, logger.With("component", "query"))

	if a.Janitor, err = dataset.NewJanitor(a.Datasets, cfg.SweepSchedule, cfg.StaleDatasetTTL, logger.With("component", "janitor")); err != nil {
		return nil, err
	}

	// === HTTP ===
	var validator middleware.TokenValidator
	if cfg.JWTSecret != "" {
		v, err := middleware.NewHS256Validator(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		validator = v
	}
	a.RateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{Limits: a.Roles, Burst: cfg.RateLimitBurst})
	routerCfg := api.RouterConfig{
		Validator:      validator,
		RateLimiter:    a.RateLimiter,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger.With("component", "http"),
	}
	if lp, ok := a.Publisher.(*storage.LocalPublisher); ok {
		routerCfg.FilesDir = lp.Dir()
	}
	handler := api.NewHandler(a.Registry, a.Datasets, a.Queries, a.Publisher, logger.With("component", "api"))
	a.Router = api.NewRouter(handler, routerCfg)
	return a, nil
}

func (a *App) openStore(ctx context.Context, path, migrations string) (*sql.DB, error) {
	conn, err := db.OpenSQLite(path, db.ModeWrite, 0)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)
	if err := db.RunMigrations(ctx, conn, migrations); err != nil {
		return nil, err
	}
	return conn, nil
}

// Preload reads the spatial index of every registered collection.
func (a *App) Preload(ctx context.Context) error {
	colls, err := a.Collections.List(ctx)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(colls))
	for _, c := range colls {
		paths = append(paths, c.SpatialIndexPath)
	}
	n := a.Loader.Preload(ctx, paths, a.Config.Workers)
	a.Logger.Info("spatial indexes preloaded", "loaded", n, "collections", len(colls))
	return nil
}

// Serve runs the HTTP server, the dataset janitor and the rate limiter
// sweep until ctx is done, then shuts down gracefully. Searches already
// running in the background finish before Serve returns.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Preload(ctx); err != nil {
		a.Logger.Warn("spatial index preload failed", "error", err)
	}

	a.Janitor.Start()
	defer a.Janitor.Stop()

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go a.RateLimiter.Run(limiterCtx)

	srv := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("collection server listening", "addr", a.Config.ListenAddr, "public_url", a.Config.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down collection server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close waits for queued work and releases every store, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
