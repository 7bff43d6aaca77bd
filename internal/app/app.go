package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cadence-service/internal/config"
	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"
	"cadence-service/internal/telemetry"
)

const readHeaderTimeout = 10 * time.Second

type App struct {
	httpServer *http.Server
	services   *services
	tracing    telemetry.ShutdownFunc
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	tracing, err := telemetry.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	infra, err := setupInfra(ctx, cfg)
	if err != nil {
		_ = tracing(ctx)
		return nil, err
	}

	reg := newRegistry()
	svc, err := setupServices(cfg, infra, metrics.New(reg))
	if err != nil {
		_ = infra.Close()
		_ = tracing(ctx)
		return nil, err
	}

	// Jobs a previous process left running will never finish.
	if _, err := svc.orchestrator.RecoverStale(ctx); err != nil {
		logger.Warn("failed to recover stale generation jobs", map[string]any{"error": err})
	}

	// Background loops: session expiry, job retention.
	svc.authority.StartSweeper(cfg.SessionSweepInterval)
	svc.orchestrator.StartCleanupRoutine(cfg.JobCleanupInterval, cfg.JobRetention)

	server := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           setupHTTP(svc, reg),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server.RegisterOnShutdown(svc.handler.Close)

	return &App{
		httpServer: server,
		services:   svc,
		tracing:    tracing,
	}, nil
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

func (a *App) Run() error {
	if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops the background loops and
// in-flight generations, then releases stores.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(a.services.authority.Close)
	g.Go(a.services.orchestrator.Close)
	closeErr := g.Wait()

	if err := a.services.infra.Close(); err != nil {
		logger.Error("failed to release stores", map[string]any{"error": err})
		closeErr = errors.Join(closeErr, err)
	}

	if err := a.tracing(ctx); err != nil {
		logger.Warn("failed to flush traces", map[string]any{"error": err})
	}

	return closeErr
}
