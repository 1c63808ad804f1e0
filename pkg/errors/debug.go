package errors

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"google.golang.org/api/googleapi"
)

// StoreError is the backend-specific part of a failure from one of the
// databases the engine reads or writes.
type StoreError struct {
	System  string `json:"system"`
	Code    string `json:"code,omitempty"`
	Name    string `json:"name,omitempty"`
	Table   string `json:"table,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorDump flattens an error chain for structured logs.
type ErrorDump struct {
	TopMessage string      `json:"top_message"`
	Code       Code        `json:"code,omitempty"`
	Retryable  bool        `json:"retryable"`
	Chain      []string    `json:"chain,omitempty"`
	Store      *StoreError `json:"store,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error(), Store: storeError(err)}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Retryable = MetadataFor(te.Code()).Retryable
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	return d
}

// LogFields renders the dump as logger fields.
func (d ErrorDump) LogFields() map[string]any {
	fields := map[string]any{
		"error":       d.TopMessage,
		"error_chain": d.Chain,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
		fields["retryable"] = d.Retryable
	}
	if s := d.Store; s != nil {
		fields["store_system"] = s.System
		fields["store_code"] = s.Code
		if s.Name != "" {
			fields["store_name"] = s.Name
		}
		if s.Table != "" {
			fields["store_table"] = s.Table
		}
	}
	return fields
}

func storeError(err error) *StoreError {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return &StoreError{
			System:  "postgres",
			Code:    pgxErr.Code,
			Name:    pgxErr.ConstraintName,
			Table:   pgxErr.TableName,
			Detail:  pgxErr.Detail,
			Message: pgxErr.Message,
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &StoreError{
			System:  "postgres",
			Code:    string(pqErr.Code),
			Name:    pqErr.Constraint,
			Table:   pqErr.Table,
			Detail:  pqErr.Detail,
			Message: pqErr.Message,
		}
	}
	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		return &StoreError{
			System:  "clickhouse",
			Code:    strconv.Itoa(int(chErr.Code)),
			Name:    chErr.Name,
			Message: chErr.Message,
		}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		out := &StoreError{
			System:  "bigquery",
			Code:    strconv.Itoa(gErr.Code),
			Message: gErr.Message,
		}
		if len(gErr.Errors) > 0 {
			out.Name = gErr.Errors[0].Reason
			out.Detail = gErr.Errors[0].Message
		}
		return out
	}
	return nil
}
