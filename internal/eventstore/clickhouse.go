package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/angelmondragon/pulse-engine/internal/events"
)

const clickHouseEventsDDL = `
CREATE TABLE IF NOT EXISTS %s (
    user_id     String,
    name        LowCardinality(String),
    timestamp   DateTime64(6, 'UTC'),
    properties  String
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (timestamp, user_id, name)`

const clickHouseSelectEvents = `
SELECT user_id, name, timestamp, properties
FROM %s
%s
ORDER BY timestamp ASC, user_id ASC, name ASC`

const clickHouseActiveUsers = `
SELECT DISTINCT user_id
FROM %s
WHERE timestamp <= ?
ORDER BY user_id ASC`

// ClickHouseReader reads the events table of a ClickHouse cluster.
type ClickHouseReader struct {
	conn  driver.Conn
	table string
}

func NewClickHouseReader(conn driver.Conn, table string) (*ClickHouseReader, error) {
	if conn == nil {
		return nil, errors.New("clickhouse connection is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("clickhouse events table is required")
	}
	return &ClickHouseReader{conn: conn, table: table}, nil
}

// EnsureSchema creates the events table when missing.
func (r *ClickHouseReader) EnsureSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, fmt.Sprintf(clickHouseEventsDDL, r.table)); err != nil {
		return fmt.Errorf("create clickhouse events table: %w", err)
	}
	return nil
}

func (r *ClickHouseReader) QueryEvents(ctx context.Context, q events.Query) (events.Iterator, error) {
	where, args := clickHouseFilter(q)
	rows, err := r.conn.Query(ctx, fmt.Sprintf(clickHouseSelectEvents, r.table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query clickhouse events: %w", err)
	}
	return &clickHouseIterator{rows: rows}, nil
}

func clickHouseFilter(q events.Query) (string, []any) {
	var clauses []string
	var args []any
	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if len(q.Names) > 0 {
		clauses = append(clauses, "name IN (?)")
		args = append(args, q.Names)
	}
	if !q.Range.Start.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.Range.Start.UTC())
	}
	if !q.Range.End.IsZero() {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, q.Range.End.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r *ClickHouseReader) ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(clickHouseActiveUsers, r.table), asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("query clickhouse users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan clickhouse user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// Append writes events through a single native batch.
func (r *ClickHouseReader) Append(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (user_id, name, timestamp, properties)", r.table))
	if err != nil {
		return fmt.Errorf("prepare clickhouse batch: %w", err)
	}
	for _, e := range evts {
		if err := e.Validate(); err != nil {
			_ = batch.Abort()
			return err
		}
		props, err := encodeProperties(e.Properties)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(e.UserID, e.Name, e.Timestamp.UTC(), string(props)); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append clickhouse row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send clickhouse batch: %w", err)
	}
	return nil
}

type clickHouseIterator struct {
	rows driver.Rows
	cur  events.Event
	err  error
}

func (it *clickHouseIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		userID, name, props string
		ts                  time.Time
	)
	if err := it.rows.Scan(&userID, &name, &ts, &props); err != nil {
		it.err = fmt.Errorf("scan clickhouse event: %w", err)
		return false
	}
	decoded, err := decodeProperties([]byte(props))
	if err != nil {
		it.err = err
		return false
	}
	it.cur = events.Event{UserID: userID, Name: name, Timestamp: ts.UTC(), Properties: decoded}
	return true
}

func (it *clickHouseIterator) Event() events.Event { return it.cur }

func (it *clickHouseIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *clickHouseIterator) Close() error { return it.rows.Close() }
