package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/pulse-engine/pkg/config"
)

func TestIdentifiersTrimAndRequire(t *testing.T) {
	project, dataset, table, err := identifiers(
		config.GCPConfig{ProjectID: " proj "},
		config.BigQueryConfig{Dataset: "pulse ", EventsTable: " events "},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj" || dataset != "pulse" || table != "events" {
		t.Fatalf("unexpected identifiers %q %q %q", project, dataset, table)
	}

	cases := []struct {
		gcp  config.GCPConfig
		cfg  config.BigQueryConfig
		want error
	}{
		{config.GCPConfig{}, config.BigQueryConfig{Dataset: "pulse", EventsTable: "events"}, errProjectIDRequired},
		{config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{EventsTable: "events"}, errDatasetRequired},
		{config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{Dataset: "pulse"}, errTableNameRequired},
	}
	for _, tc := range cases {
		if _, err := NewClient(context.Background(), tc.gcp, tc.cfg, nil); err != tc.want {
			t.Fatalf("expected %v, got %v", tc.want, err)
		}
	}
}

func TestEventsTableMetadataPartitionsByOccurredAt(t *testing.T) {
	meta := eventsTableMetadata()
	if meta.TimePartitioning == nil || meta.TimePartitioning.Field != "occurred_at" {
		t.Fatalf("expected occurred_at partitioning, got %+v", meta.TimePartitioning)
	}
	if meta.Clustering == nil || fmt.Sprint(meta.Clustering.Fields) != "[user_id name]" {
		t.Fatalf("unexpected clustering %+v", meta.Clustering)
	}
	var names []string
	for _, field := range meta.Schema {
		names = append(names, field.Name)
	}
	if fmt.Sprint(names) != "[user_id name occurred_at properties]" {
		t.Fatalf("unexpected schema %v", names)
	}
	if meta.Schema[2].Type != bigquery.TimestampFieldType {
		t.Fatalf("occurred_at must be a timestamp")
	}
}

func TestBatchesSplitsRows(t *testing.T) {
	rows := make([]any, 7)
	var got []string
	for start, batch := range batches(rows, 3) {
		got = append(got, fmt.Sprintf("%d:%d", start, len(batch)))
	}
	if fmt.Sprint(got) != "[0:3 3:3 6:1]" {
		t.Fatalf("unexpected batches %v", got)
	}

	count := 0
	for range batches(make([]any, 501), 0) {
		count++
	}
	if count != 2 {
		t.Fatalf("default batch size should split 501 rows in two, got %d", count)
	}
	for range batches(nil, 10) {
		t.Fatal("no batches expected for empty input")
	}
}

func TestNilClientGuards(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); err != errClientNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if _, err := c.Query(context.Background(), "SELECT 1", nil); err != errClientNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.InsertEvents(context.Background(), []any{1}); err != errClientNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if c.TableRef() != "" || c.EventsTable() != "" {
		t.Fatal("nil client should not build table refs")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}

func TestClientOptionsPreferInlineJSON(t *testing.T) {
	if got := clientOptions(config.GCPConfig{CredentialsJSON: `{"dummy":"value"}`, ApplicationCredentials: "/tmp/creds"}); len(got) != 1 {
		t.Fatalf("expected 1 option, got %d", len(got))
	}
	if got := clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/creds"}); len(got) != 1 {
		t.Fatalf("expected 1 option for a credentials file, got %d", len(got))
	}
	if got := clientOptions(config.GCPConfig{}); len(got) != 0 {
		t.Fatalf("expected default credentials, got %d options", len(got))
	}
}

func TestAPIStatusHelpers(t *testing.T) {
	notFound := fmt.Errorf("metadata: %w", &googleapi.Error{Code: http.StatusNotFound})
	if !isNotFound(notFound) || isConflict(notFound) {
		t.Fatal("expected not found classification")
	}
	if !isConflict(&googleapi.Error{Code: http.StatusConflict}) {
		t.Fatal("expected conflict classification")
	}
	if isNotFound(errors.New("plain")) {
		t.Fatal("plain errors carry no status")
	}
}
