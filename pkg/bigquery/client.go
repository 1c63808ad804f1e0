package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const (
	metadataTimeout    = 10 * time.Second
	defaultInsertBatch = 500
	queryLabelService  = "pulse-engine"
)

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery events table is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// EventsSchema is the column layout of the events table. Properties hold a
// JSON object encoded as a string.
var EventsSchema = bigquery.Schema{
	{Name: "user_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "name", Type: bigquery.StringFieldType, Required: true},
	{Name: "occurred_at", Type: bigquery.TimestampFieldType, Required: true},
	{Name: "properties", Type: bigquery.StringFieldType},
}

// Client owns one dataset and its events table.
type Client struct {
	client    *bigquery.Client
	dataset   *bigquery.Dataset
	projectID string
	table     string
	cfg       config.BigQueryConfig
}

// NewClient connects to BigQuery and checks that the dataset exists. The
// events table is created, day partitioned on occurred_at, when it is
// missing and CreateTable is set; otherwise a missing table is an error.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID, datasetID, table, err := identifiers(gcp, cfg)
	if err != nil {
		return nil, err
	}

	bq, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c := &Client{
		client:    bq,
		dataset:   bq.Dataset(datasetID),
		projectID: projectID,
		table:     table,
		cfg:       cfg,
	}

	created, err := c.ensureEventsTable(ctx)
	if err != nil {
		_ = bq.Close()
		return nil, err
	}
	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{"dataset": datasetID, "table": table, "created": created})
		logg.Info(ctx, "bigquery client initialized")
	}
	return c, nil
}

func identifiers(gcp config.GCPConfig, cfg config.BigQueryConfig) (project, dataset, table string, err error) {
	project = strings.TrimSpace(gcp.ProjectID)
	dataset = strings.TrimSpace(cfg.Dataset)
	table = strings.TrimSpace(cfg.EventsTable)
	switch {
	case project == "":
		err = errProjectIDRequired
	case dataset == "":
		err = errDatasetRequired
	case table == "":
		err = errTableNameRequired
	}
	return project, dataset, table, err
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	default:
		return nil
	}
}

func eventsTableMetadata() *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		Description: "Raw behavioral events read by the aggregation engine.",
		Schema:      EventsSchema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "occurred_at",
		},
		Clustering: &bigquery.Clustering{Fields: []string{"user_id", "name"}},
	}
}

func (c *Client) ensureEventsTable(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return false, fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return false, fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}

	table := c.dataset.Table(c.table)
	_, err := table.Metadata(ctx)
	switch {
	case err == nil:
		return false, nil
	case !isNotFound(err):
		return false, fmt.Errorf("checking table %q: %w", c.table, err)
	case !c.cfg.CreateTable:
		return false, fmt.Errorf("table %q does not exist", c.table)
	}
	if err := table.Create(ctx, eventsTableMetadata()); err != nil && !isConflict(err) {
		return false, fmt.Errorf("creating table %q: %w", c.table, err)
	}
	return true, nil
}

// TableRef returns the fully qualified, backtick-quoted events table
// reference, ready to be interpolated into standard SQL.
func (c *Client) TableRef() string {
	if c == nil || c.dataset == nil {
		return ""
	}
	return fmt.Sprintf("`%s.%s.%s`", c.projectID, c.dataset.DatasetID, c.table)
}

// EventsTable returns the configured events table name.
func (c *Client) EventsTable() string {
	if c == nil {
		return ""
	}
	return c.table
}

// Ping checks that the dataset and events table are still reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	if _, err := c.dataset.Table(c.table).Metadata(ctx); err != nil {
		return fmt.Errorf("bigquery events table: %w", err)
	}
	return nil
}

// InsertEvents streams rows into the events table in batches. Rows must be
// structs or ValueSavers matching EventsSchema.
func (c *Client) InsertEvents(ctx context.Context, rows []any) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	inserter := c.dataset.Table(c.table).Inserter()
	for start, batch := range batches(rows, c.cfg.InsertBatchSize) {
		if err := inserter.Put(ctx, batch); err != nil {
			var multi bigquery.PutMultiError
			if errors.As(err, &multi) {
				return fmt.Errorf("insert events %d-%d: %d rows rejected: %w", start, start+len(batch)-1, len(multi), err)
			}
			return fmt.Errorf("insert events %d-%d: %w", start, start+len(batch)-1, err)
		}
	}
	return nil
}

// batches yields consecutive slices of at most size rows keyed by the
// offset of their first row.
func batches(rows []any, size int) func(yield func(int, []any) bool) {
	if size <= 0 {
		size = defaultInsertBatch
	}
	return func(yield func(int, []any) bool) {
		for start := 0; start < len(rows); start += size {
			end := min(start+size, len(rows))
			if !yield(start, rows[start:end]) {
				return
			}
		}
	}
}

// Query runs standard SQL with named parameters. Queries carry a service
// label and honor the configured bytes-billed cap.
func (c *Client) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error) {
	if c == nil || c.client == nil {
		return nil, errClientNotInitialized
	}
	if strings.TrimSpace(sql) == "" {
		return nil, errors.New("sql query is required")
	}
	q := c.client.Query(sql)
	q.Parameters = params
	q.Labels = map[string]string{"service": queryLabelService}
	if c.cfg.MaxBytesBilled > 0 {
		q.MaxBytesBilled = c.cfg.MaxBytesBilled
	}
	return q.Read(ctx)
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	return apiStatus(err) == http.StatusNotFound
}

func isConflict(err error) bool {
	return apiStatus(err) == http.StatusConflict
}

func apiStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code
	}
	return 0
}
