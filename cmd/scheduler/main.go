package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/pulse-engine/internal/bootstrap"
	"github.com/angelmondragon/pulse-engine/internal/cron"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/instance"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/metrics"
)

const serviceName = "scheduler"

func main() {
	once := flag.Bool("once", false, "run a single refresh cycle and exit")
	only := flag.String("jobs", "", "comma separated job names to run (default all)")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Fields:      map[string]any{"instance": instance.ID()},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap.Open(ctx, cfg, logg, bootstrap.Options{
		Registerer:   prometheus.DefaultRegisterer,
		RequireRedis: true,
	})
	if err != nil {
		logg.Error(ctx, "failed to bootstrap engine", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logg.Error(context.Background(), "error closing engine", err)
		}
	}()

	lock, err := cron.NewRedisLock(eng.Redis, eng.Redis.LockKey(serviceName, cfg.App.Env), cfg.Scheduler.LockTTL)
	if err != nil {
		logg.Error(ctx, "failed to create scheduler lock", err)
		os.Exit(1)
	}

	jobs, err := cron.NewComputeJobs(cron.ComputeJobParams{
		Logger:  logg,
		Runner:  eng.Coordinator,
		Catalog: eng.Catalog,
	})
	if err != nil {
		logg.Error(ctx, "failed to build compute jobs", err)
		os.Exit(1)
	}

	retention, err := cron.NewLedgerRetentionJob(cron.LedgerRetentionJobParams{
		Logger:    logg,
		Pruner:    eng.Recorder,
		Retention: cfg.Scheduler.LedgerRetention,
	})
	if err != nil {
		logg.Error(ctx, "failed to build ledger retention job", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(append(jobs, retention)...)
	if err == nil && *only != "" {
		registry, err = registry.Select(strings.Split(*only, ",")...)
	}
	if err != nil {
		logg.Error(ctx, "failed to register jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewSchedulerMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Scheduler.Interval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create scheduler service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"interval":    cfg.Scheduler.Interval.String(),
		"jobs":        registry.Names(),
	})

	if *once {
		logg.Info(ctx, "running single scheduler cycle")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "scheduler cycle failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting scheduler")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "scheduler stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "scheduler shutting down gracefully")
}
