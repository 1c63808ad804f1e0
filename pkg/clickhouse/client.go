package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

var errNotInitialized = errors.New("clickhouse client not initialized")

// Client wraps the native ClickHouse connection.
type Client struct {
	conn driver.Conn
	cfg  config.ClickHouseConfig
}

// New opens a ClickHouse connection and verifies it with a ping.
func New(ctx context.Context, cfg config.ClickHouseConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{"addr": strings.Join(opts.Addr, ","), "database": cfg.Database, "tls": cfg.UseTLS})
		logg.Info(ctx, "clickhouse connection established")
	}
	return &Client{conn: conn, cfg: cfg}, nil
}

func optionsFromConfig(cfg config.ClickHouseConfig) (*clickhouse.Options, error) {
	addrs := make([]string, 0, len(cfg.Addr))
	for _, addr := range cfg.Addr {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("clickhouse address is required")
	}

	var tlsConfig *tls.Config
	if cfg.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	return &clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 300,
		},
		TLS:              tlsConfig,
		DialTimeout:      dialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}, nil
}

// Conn returns the underlying driver connection.
func (c *Client) Conn() driver.Conn {
	if c == nil {
		return nil
	}
	return c.conn
}

// EventsTable returns the configured events table name.
func (c *Client) EventsTable() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.cfg.EventsTable)
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return errNotInitialized
	}
	return c.conn.Ping(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
