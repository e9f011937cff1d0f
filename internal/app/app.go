package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailpace/internal/api"
	"github.com/foxzi/mailpace/internal/cleanup"
	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/metrics"
)

// App is the long-running daemon: API, metrics and retention around Core
type App struct {
	*Core

	version       string
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	cleaner       *cleanup.Cleaner
}

// New creates the application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging)

	core, err := NewCore(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}

	a := &App{Core: core, version: version}
	if err := a.setup(); err != nil {
		core.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) setup() error {
	cfg := a.Config

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(a.Manager, &cfg.API, cfg, a.version, a.Logger)
	}

	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(a.state, a.Metrics, a.Manager, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.collector = collector
		a.metricsServer = metrics.NewServer(a.Metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, a.Logger)
	}

	cleaner, err := cleanup.New(a.Store, cleanup.Config{
		MaxAge:   cfg.Retention.CampaignMaxAge,
		Schedule: cfg.Retention.Schedule,
	}, clock.System{}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create cleaner: %w", err)
	}
	a.cleaner = cleaner

	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.Logger.Info("starting mailpace",
		"version", a.version,
		"relay", fmt.Sprintf("%s:%d", a.Config.SMTP.Host, a.Config.SMTP.Port),
		"api_enabled", a.apiServer != nil,
		"metrics_enabled", a.metricsServer != nil,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Engine.ResumeOnStart {
		if _, err := a.Manager.ResumeInterrupted(ctx); err != nil {
			a.Logger.Error("failed to resume interrupted campaigns", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.cleaner.Enabled() {
		a.cleaner.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.apiServer != nil {
		g.Go(func() error {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	if a.metricsServer != nil {
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.Logger.Info("shutdown signal received")
		}
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.cleaner.Stop()

	// Runs record their in-flight attempts before storage closes
	if err := a.Manager.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("campaign runs did not stop in time", "error", err)
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.Logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.Core.Close(shutdownCtx); err != nil {
		a.Logger.Error("shutdown error", "error", err)
	}

	a.Logger.Info("shutdown complete")
	return nil
}
