// Package warehouse exposes a single read-only table to the agent's query
// tools. Backends live in subpackages.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPolicyViolation is returned when a query falls outside the permitted
// table or is not a single read-only statement.
var ErrPolicyViolation = errors.New("query rejected by policy")

// Dialect names the SQL flavour a backend speaks.
type Dialect string

const (
	// DialectBigQuery is GoogleSQL as run by BigQuery.
	DialectBigQuery Dialect = "bigquery"
	// DialectDuckDB is DuckDB's PostgreSQL-like dialect.
	DialectDuckDB Dialect = "duckdb"
)

// TableRef is a fully-qualified project.dataset.table name.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// ParseTableRef splits "project.dataset.table". Surrounding backticks are
// tolerated.
func ParseTableRef(s string) (TableRef, error) {
	s = strings.Trim(strings.TrimSpace(s), "`")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return TableRef{}, fmt.Errorf("table %q is not project.dataset.table", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TableRef{}, fmt.Errorf("table %q has an empty component", s)
		}
	}
	return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
}

// String renders the dotted name.
func (t TableRef) String() string {
	return t.Project + "." + t.Dataset + "." + t.Table
}

// Column describes one column of the permitted table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TableInfo is the schema and size of the permitted table.
type TableInfo struct {
	Table       string   `json:"table"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
	NumRows     int64    `json:"num_rows"`
}

// Result is a bounded query result.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	// BytesProcessed is reported by backends that bill by scan size.
	BytesProcessed int64
}

// Records returns the rows keyed by column name.
func (r *Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records
}

// Warehouse runs read-only queries against one table.
type Warehouse interface {
	Dialect() Dialect
	Table() TableRef
	TableInfo(ctx context.Context) (*TableInfo, error)
	// Query validates and runs sqlText, returning at most maxRows rows.
	Query(ctx context.Context, sqlText string, maxRows int) (*Result, error)
	Close() error
}

// StripTrailingSemicolons trims whitespace and any trailing statement
// terminators.
func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
