// Package warehouse provides read access to the analytical database the
// agent answers questions about: table metadata for grounding and bounded,
// read-only query execution.
package warehouse

import (
	"context"
	"fmt"
)

// ColumnProfile is one column's statistical summary from the profiles table.
type ColumnProfile struct {
	Column        string  `json:"column"`
	Type          string  `json:"type,omitempty"`
	NullRatio     float64 `json:"null_ratio"`
	DistinctCount int64   `json:"distinct_count,omitempty"`
	Min           string  `json:"min,omitempty"`
	Max           string  `json:"max,omitempty"`
	AvgLength     float64 `json:"avg_length,omitempty"`
}

// ResultSet is a bounded, fully materialized query result.
type ResultSet struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// SchemaStats summarizes the visible schema for the table listing
// endpoint.
type SchemaStats struct {
	NumTables    int   `json:"num_tables"`
	TotalColumns int   `json:"total_columns"`
	TotalRows    int64 `json:"total_rows"`
}

// Client is the warehouse capability consumed by grounding and tools.
type Client interface {
	// ListTables returns the tables the agent is allowed to see.
	ListTables(ctx context.Context) ([]string, error)

	// FetchDDL returns the CREATE TABLE statement for a table.
	FetchDDL(ctx context.Context, table string) (string, error)

	// FetchProfiles returns column statistics for a table. Columns that
	// are more than 90% null are omitted as uninformative.
	FetchProfiles(ctx context.Context, table string) ([]ColumnProfile, error)

	// FetchSamples returns up to limit representative rows from a table.
	FetchSamples(ctx context.Context, table string, limit int) (*ResultSet, error)

	// ExecuteQuery runs a read-only SELECT and returns a bounded result.
	ExecuteQuery(ctx context.Context, query string) (*ResultSet, error)

	// Describe returns the table's comment, or "" when the backend has
	// none.
	Describe(ctx context.Context, table string) (string, error)

	// Stats returns schema-wide totals for the table listing endpoint.
	Stats(ctx context.Context) (*SchemaStats, error)

	Close() error
}

// QueryError is a query execution failure. Retryable marks transient
// conditions (timeouts, connection loss) the caller may retry.
type QueryError struct {
	Query     string
	Message   string
	Retryable bool
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %s", e.Message)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func (e *QueryError) IsRetryable() bool {
	return e.Retryable
}
