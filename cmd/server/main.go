package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/api"
	"github.com/dashboard-autoreload/renderproxy/api/middleware"
	"github.com/dashboard-autoreload/renderproxy/internal/config"
	"github.com/dashboard-autoreload/renderproxy/internal/db"
	"github.com/dashboard-autoreload/renderproxy/internal/engine"
	"github.com/dashboard-autoreload/renderproxy/internal/logger"
	"github.com/dashboard-autoreload/renderproxy/internal/metrics"
	"github.com/dashboard-autoreload/renderproxy/internal/render"
	"github.com/dashboard-autoreload/renderproxy/internal/repository"
	"github.com/dashboard-autoreload/renderproxy/internal/session"
	"github.com/dashboard-autoreload/renderproxy/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "renderproxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	links := repository.NewLinkRepository(ctx, backend, log,
		repository.WithSaveErrorHook(func(error) { m.RegistryWriteFailed() }),
	)
	defer links.Close()

	kiosk, err := config.WatchKiosk(cfg.KioskFile, log)
	if err != nil {
		return err
	}
	defer kiosk.Close()

	browser := engine.NewRod(engine.RodConfig{
		RemoteURL:     cfg.Browser.RemoteURL,
		Bin:           cfg.Browser.Bin,
		Stealth:       cfg.Browser.Stealth,
		JPEGQuality:   cfg.Browser.JPEGQuality,
		EveryNthFrame: cfg.Browser.EveryNthFrame,
	}, log)
	if err := browser.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer browser.Close()

	hubs := ws.NewHubManager(log, m)
	defer hubs.Close()

	manager := session.NewManager(links, browser, hubs, kiosk, log, m, session.Config{
		MaxLive: cfg.Session.MaxLive,
		SessionOptions: []render.Option{
			render.WithWatchdogInterval(cfg.Session.WatchdogInterval),
			render.WithWindowTolerance(cfg.Session.WindowTolerance),
			render.WithNavigateTimeout(cfg.Session.NavigateTimeout),
		},
	})
	defer manager.Close()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	routerCfg := api.RouterConfig{
		Sessions: manager,
		Streams:  ws.NewHandler(hubs, manager, log),
		Metrics:  m,
		Logger:   log,
	}
	if cfg.RateLimit.Enabled {
		log.Info("Input rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		routerCfg.InputRateLimit = &middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	// Remaining components close in reverse order through the defers:
	// sessions, hubs, browser, kiosk watcher, registry.
	return nil
}

// openBackend selects the link registry backend.
func openBackend(cfg config.StorageConfig) (repository.Backend, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	switch cfg.Driver {
	case "sqlite":
		database, err := db.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return repository.NewSQLiteBackend(database), nil
	default:
		return repository.NewFileBackend(cfg.Path), nil
	}
}
