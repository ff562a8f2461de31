// Command server starts the trade-capture REST facade.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"

	httpserver "github.com/fairyhunter13/trade-capture-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/trade-capture-engine/internal/app"
	"github.com/fairyhunter13/trade-capture-engine/internal/config"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("engine build failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Sync captures also flow through the gate, so the sweeper runs here too.
	go eng.Gate.RunSweeper(ctx)
	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(eng.Pool, cfg.DataRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	dbCheck, redisCheck, busCheck := app.BuildReadinessChecks(eng.Pool, eng.Redis, eng.Producer.Client())
	groupStatus := app.BuildGroupStatus(kadm.NewClient(eng.Producer.Client()), cfg.ConsumerGroup, cfg.RouterGroup)

	srv := &httpserver.Server{
		Cfg:         cfg,
		Capture:     eng.Capture,
		Jobs:        eng.Jobs,
		Blotters:    eng.Blotters,
		Rules:       eng.Rules,
		Limiter:     eng.Limiter,
		Gate:        eng.Gate,
		Admission:   httpserver.NewAdmission(cfg.AdmissionQueueDepth, cfg.AdmissionWarnPercent),
		Refdata:     eng.Enricher,
		GroupStatus: groupStatus,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BusCheck:    busCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	eng.Close(shutdownCtx)
}
