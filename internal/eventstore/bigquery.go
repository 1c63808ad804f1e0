package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/bigquery"
)

const bigQuerySelectEvents = `
SELECT user_id, name, occurred_at, properties
FROM %s
%s
ORDER BY occurred_at ASC, user_id ASC, name ASC`

const bigQueryActiveUsers = `
SELECT DISTINCT user_id
FROM %s
WHERE occurred_at <= @as_of
ORDER BY user_id ASC`

type rowIterator interface {
	Next(dst any) error
}

type queryFunc func(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) (rowIterator, error)

type insertFunc func(ctx context.Context, rows []any) error

// bigQueryEventRow is the warehouse schema of the events table. Properties
// are stored as a JSON string column.
type bigQueryEventRow struct {
	UserID     string    `bigquery:"user_id"`
	Name       string    `bigquery:"name"`
	OccurredAt time.Time `bigquery:"occurred_at"`
	Properties string    `bigquery:"properties"`
}

// BigQueryReader reads events from the analytics warehouse.
type BigQueryReader struct {
	query    queryFunc
	insert   insertFunc
	tableRef string
}

func NewBigQueryReader(client *bigquery.Client) (*BigQueryReader, error) {
	if client == nil {
		return nil, errors.New("bigquery client is required")
	}
	if client.EventsTable() == "" {
		return nil, errors.New("bigquery events table is required")
	}
	return &BigQueryReader{
		query: func(ctx context.Context, sql string, params []cloudbigquery.QueryParameter) (rowIterator, error) {
			it, err := client.Query(ctx, sql, params)
			if err != nil {
				return nil, err
			}
			return it, nil
		},
		insert:   client.InsertEvents,
		tableRef: client.TableRef(),
	}, nil
}

func (r *BigQueryReader) QueryEvents(ctx context.Context, q events.Query) (events.Iterator, error) {
	where, params := bigQueryFilter(q)
	rows, err := r.query(ctx, fmt.Sprintf(bigQuerySelectEvents, r.tableRef, where), params)
	if err != nil {
		return nil, fmt.Errorf("query bigquery events: %w", err)
	}
	return &bigQueryIterator{rows: rows}, nil
}

func bigQueryFilter(q events.Query) (string, []cloudbigquery.QueryParameter) {
	var clauses []string
	var params []cloudbigquery.QueryParameter
	if q.UserID != "" {
		clauses = append(clauses, "user_id = @user_id")
		params = append(params, cloudbigquery.QueryParameter{Name: "user_id", Value: q.UserID})
	}
	if len(q.Names) > 0 {
		clauses = append(clauses, "name IN UNNEST(@names)")
		params = append(params, cloudbigquery.QueryParameter{Name: "names", Value: q.Names})
	}
	if !q.Range.Start.IsZero() {
		clauses = append(clauses, "occurred_at >= @start")
		params = append(params, cloudbigquery.QueryParameter{Name: "start", Value: q.Range.Start.UTC()})
	}
	if !q.Range.End.IsZero() {
		clauses = append(clauses, "occurred_at < @end")
		params = append(params, cloudbigquery.QueryParameter{Name: "end", Value: q.Range.End.UTC()})
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), params
}

func (r *BigQueryReader) ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error) {
	params := []cloudbigquery.QueryParameter{{Name: "as_of", Value: asOf.UTC()}}
	iter, err := r.query(ctx, fmt.Sprintf(bigQueryActiveUsers, r.tableRef), params)
	if err != nil {
		return nil, fmt.Errorf("query bigquery users: %w", err)
	}

	var users []string
	for {
		var row struct {
			UserID string `bigquery:"user_id"`
		}
		if err := iter.Next(&row); err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("reading active user row: %w", err)
		}
		users = append(users, row.UserID)
	}
	return users, nil
}

// Append streams events into the warehouse table.
func (r *BigQueryReader) Append(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	rows := make([]any, 0, len(evts))
	for _, e := range evts {
		if err := e.Validate(); err != nil {
			return err
		}
		props, err := encodeProperties(e.Properties)
		if err != nil {
			return err
		}
		rows = append(rows, &bigQueryEventRow{
			UserID:     e.UserID,
			Name:       e.Name,
			OccurredAt: e.Timestamp.UTC(),
			Properties: string(props),
		})
	}
	if err := r.insert(ctx, rows); err != nil {
		return fmt.Errorf("insert bigquery events: %w", err)
	}
	return nil
}

type bigQueryIterator struct {
	rows rowIterator
	cur  events.Event
	err  error
	done bool
}

func (it *bigQueryIterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	var row bigQueryEventRow
	if err := it.rows.Next(&row); err != nil {
		if err == iterator.Done {
			it.done = true
			return false
		}
		it.err = fmt.Errorf("reading event row: %w", err)
		return false
	}
	props, err := decodeProperties([]byte(row.Properties))
	if err != nil {
		it.err = err
		return false
	}
	it.cur = events.Event{UserID: row.UserID, Name: row.Name, Timestamp: row.OccurredAt.UTC(), Properties: props}
	return true
}

func (it *bigQueryIterator) Event() events.Event { return it.cur }
func (it *bigQueryIterator) Err() error          { return it.err }
func (it *bigQueryIterator) Close() error        { return nil }
