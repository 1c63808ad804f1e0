// Package eventstore provides the event log backends behind events.Reader.
package eventstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/bigquery"
	"github.com/angelmondragon/pulse-engine/pkg/clickhouse"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

// Appender writes events to a backend. Only tooling and tests append; the
// engines never write to the log.
type Appender interface {
	Append(ctx context.Context, evts []events.Event) error
}

// Store is the configured backend.
type Store interface {
	events.Reader
	events.Users
	Appender
}

var (
	_ Store = (*MemoryReader)(nil)
	_ Store = (*SQLReader)(nil)
	_ Store = (*ClickHouseReader)(nil)
	_ Store = (*BigQueryReader)(nil)
)

// Backend bundles the selected store with the clients it owns.
type Backend struct {
	Store   Store
	Kind    string
	closers []io.Closer
}

// Close releases clients opened by Open.
func (b *Backend) Close() error {
	var err error
	for _, c := range b.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Open selects the backend named by cfg.EventStore.Backend. The sql backend
// reuses dbClient; clickhouse and bigquery open their own clients.
func Open(ctx context.Context, cfg *config.Config, dbClient *db.Client, logg *logger.Logger) (*Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.EventStore.Backend))
	backend := &Backend{Kind: kind}

	switch kind {
	case config.EventStoreSQL:
		reader, err := NewSQLReader(dbClient)
		if err != nil {
			return nil, err
		}
		backend.Store = reader

	case config.EventStoreClickHouse:
		client, err := clickhouse.New(ctx, cfg.ClickHouse, logg)
		if err != nil {
			return nil, err
		}
		reader, err := NewClickHouseReader(client.Conn(), client.EventsTable())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		backend.Store = reader
		backend.closers = append(backend.closers, client)

	case config.EventStoreBigQuery:
		client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return nil, err
		}
		reader, err := NewBigQueryReader(client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		backend.Store = reader
		backend.closers = append(backend.closers, client)

	case config.EventStoreMemory:
		reader := NewMemoryReader()
		if path := strings.TrimSpace(cfg.EventStore.SeedPath); path != "" {
			if err := seedFromFile(ctx, reader, path); err != nil {
				return nil, err
			}
		}
		backend.Store = reader

	default:
		return nil, fmt.Errorf("unknown event store backend %q", cfg.EventStore.Backend)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "event_store", kind), "event store ready")
	}
	return backend, nil
}

// Import decodes JSONL events from r and appends them in batches.
func Import(ctx context.Context, dst Appender, r io.Reader, batchSize int) (int, error) {
	evts, err := events.DecodeJSONL(r)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = insertBatchSize
	}
	written := 0
	for start := 0; start < len(evts); start += batchSize {
		end := start + batchSize
		if end > len(evts) {
			end = len(evts)
		}
		if err := dst.Append(ctx, evts[start:end]); err != nil {
			return written, fmt.Errorf("append events %d-%d: %w", start, end, err)
		}
		written = end
	}
	return written, nil
}

func seedFromFile(ctx context.Context, dst Appender, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open event seed: %w", err)
	}
	defer f.Close()
	if _, err := Import(ctx, dst, f, 0); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	return nil
}
