package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/pulse-engine/api/controllers"
	"github.com/angelmondragon/pulse-engine/api/routes"
	"github.com/angelmondragon/pulse-engine/internal/bootstrap"
	"github.com/angelmondragon/pulse-engine/internal/query"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/env"
	"github.com/angelmondragon/pulse-engine/pkg/instance"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Fields:      map[string]any{"instance": instance.ID()},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := bootstrap.Open(ctx, cfg, logg, bootstrap.Options{Registerer: reg})
	if err != nil {
		logg.Error(ctx, "failed to bootstrap engine", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logg.Error(context.Background(), "error closing engine", err)
		}
	}()

	querySvc, err := query.NewService(eng.Cache)
	if err != nil {
		logg.Error(ctx, "failed to create query service", err)
		os.Exit(1)
	}

	deps := routes.Dependencies{
		Config:  cfg,
		Logger:  logg,
		Query:   querySvc,
		Runs:    eng.Coordinator,
		Catalog: eng.Catalog,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:   readinessChecks(eng),
	}
	if eng.Redis != nil {
		deps.RateLimiter = eng.Redis
		deps.Idempotency = eng.Redis
	}

	addr := ":" + env.First(cfg.App.Port, "PORT")
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:         addr,
		Handler:      routes.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     logg.StdLogger("net/http"),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}

func readinessChecks(eng *bootstrap.Engine) []controllers.Dependency {
	checks := []controllers.Dependency{{Name: "database", Pinger: eng.DB}}
	if eng.Redis != nil {
		checks = append(checks, controllers.Dependency{Name: "redis", Pinger: eng.Redis})
	}
	if pinger, ok := eng.Events.Store.(controllers.Pinger); ok {
		checks = append(checks, controllers.Dependency{Name: "event_store", Pinger: pinger})
	}
	return checks
}
