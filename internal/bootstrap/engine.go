// Package bootstrap assembles the compute engine shared by the binaries:
// database, redis, event store, aggregate cache, catalog and coordinator.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/internal/notify"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/kafka"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/metrics"
	"github.com/angelmondragon/pulse-engine/pkg/migrate"
	"github.com/angelmondragon/pulse-engine/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

// Options tune Open.
type Options struct {
	// Registerer receives the compute metrics. Nil disables them.
	Registerer prometheus.Registerer
	// RequireRedis fails Open when no redis endpoint is configured.
	RequireRedis bool
}

// Engine owns every client the coordinator depends on.
type Engine struct {
	Config      *config.Config
	DB          *db.Client
	Redis       *redis.Client
	Events      *eventstore.Backend
	Cache       aggregates.Cache
	Catalog     *catalog.Catalog
	Policy      config.Policy
	Recorder    *runs.SQLRecorder
	Coordinator *runs.Coordinator

	logg    *logger.Logger
	kafka   *kafka.Writer
	closers []func() error
}

// Open connects every dependency and builds the coordinator. On error the
// clients opened so far are closed.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts Options) (*Engine, error) {
	eng := &Engine{Config: cfg, logg: logg}
	if err := eng.open(ctx, opts); err != nil {
		_ = eng.closeClients()
		return nil, err
	}
	return eng, nil
}

func (e *Engine) open(ctx context.Context, opts Options) error {
	cfg, logg := e.Config, e.logg
	var err error

	e.Policy, err = cfg.Engine.Policy()
	if err != nil {
		return fmt.Errorf("engine policy: %w", err)
	}

	e.Catalog, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	e.DB, err = db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	e.closers = append(e.closers, e.DB.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, e.DB); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	if cfg.Redis.Enabled() {
		e.Redis, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		e.closers = append(e.closers, e.Redis.Close)
	} else if opts.RequireRedis {
		return fmt.Errorf("redis is required: set %s", config.EnvRedisURL)
	}

	e.Events, err = eventstore.Open(ctx, cfg, e.DB, logg)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	e.closers = append(e.closers, e.Events.Close)

	e.Cache, err = aggregates.New(cfg, e.Redis, e.DB)
	if err != nil {
		return fmt.Errorf("open aggregate cache: %w", err)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Kafka.Enabled() {
		e.kafka, err = kafka.NewWriter(cfg.Kafka, cfg.Kafka.CommittedTopic)
		if err != nil {
			return fmt.Errorf("kafka writer: %w", err)
		}
		e.closers = append(e.closers, e.kafka.Close)
		notifier = notify.NewKafkaNotifier(e.kafka, logg)
	}

	var computeMetrics *metrics.ComputeMetrics
	if opts.Registerer != nil {
		computeMetrics = metrics.NewComputeMetrics(opts.Registerer)
		if err := registerPoolStats(opts.Registerer, e.DB); err != nil {
			return err
		}
	}

	e.Recorder = runs.NewSQLRecorder(e.DB.DB())
	e.Coordinator, err = runs.NewCoordinator(runs.Params{
		Logger:   logg,
		Reader:   e.Events.Store,
		Cache:    e.Cache,
		Catalog:  e.Catalog,
		Policy:   e.Policy,
		Recorder: e.Recorder,
		Notifier: notifier,
		Metrics:  computeMetrics,
	})
	if err != nil {
		return err
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"event_store": e.Events.Kind,
		"cache":       strings.ToLower(cfg.Cache.Backend),
		"segments":    len(e.Catalog.Segments),
		"funnels":     len(e.Catalog.Funnels),
		"kafka":       cfg.Kafka.Enabled(),
	}), "engine ready")
	return nil
}

// Close stops in-flight runs and releases every client.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var err error
	if e.Coordinator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, e.Coordinator.Shutdown(ctx))
		cancel()
	}
	return multierr.Append(err, e.closeClients())
}

func (e *Engine) closeClients() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	e.closers = nil
	return err
}

// registerPoolStats exports database/sql pool gauges under the "pulse" db name.
func registerPoolStats(reg prometheus.Registerer, client *db.Client) error {
	sqlDB, err := client.SQL()
	if err != nil {
		return err
	}
	err = reg.Register(collectors.NewDBStatsCollector(sqlDB, "pulse"))
	var already prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &already) {
		return fmt.Errorf("register db stats: %w", err)
	}
	return nil
}
