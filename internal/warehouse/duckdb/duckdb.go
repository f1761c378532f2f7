// Package duckdb serves the permitted table from a local DuckDB database or
// parquet files, for development without BigQuery access.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/ashureev/bqagent/internal/warehouse"
)

// Config configures the DuckDB backend.
type Config struct {
	Table warehouse.TableRef
	// Source is a .duckdb file holding <dataset>.<table>, or a parquet file
	// or glob with the table's rows.
	Source string
}

// Warehouse is a DuckDB-backed warehouse.Warehouse.
type Warehouse struct {
	db     *sql.DB
	table  warehouse.TableRef
	policy *warehouse.Policy
}

// sourceCatalog is where a .duckdb source is attached while the permitted
// table is copied out of it.
const sourceCatalog = "bqagent_source"

// New opens an in-memory DuckDB, copies only the permitted table out of
// Source under its fully-qualified name, and disables further file access.
// Nothing else from Source stays reachable.
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, errors.New("duckdb source is required")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if err := load(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("DuckDB warehouse ready", "source", cfg.Source, "table", cfg.Table.String())
	return &Warehouse{db: db, table: cfg.Table, policy: warehouse.NewPolicy(cfg.Table, warehouse.DialectDuckDB)}, nil
}

func load(ctx context.Context, db *sql.DB, cfg Config) error {
	catalog := quoteIdent(cfg.Table.Project)
	schema := catalog + "." + quoteIdent(cfg.Table.Dataset)
	target := schema + "." + quoteIdent(cfg.Table.Table)

	var stmts []string
	from := fmt.Sprintf("read_parquet(%s)", quoteString(cfg.Source))
	if isDatabaseFile(cfg.Source) {
		stmts = append(stmts, fmt.Sprintf(`ATTACH %s AS %s (READ_ONLY)`, quoteString(cfg.Source), quoteIdent(sourceCatalog)))
		from = quoteIdent(sourceCatalog) + "." + quoteIdent(cfg.Table.Dataset) + "." + quoteIdent(cfg.Table.Table)
	}
	stmts = append(stmts,
		fmt.Sprintf(`ATTACH ':memory:' AS %s`, catalog),
		fmt.Sprintf(`CREATE SCHEMA %s`, schema),
		fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`, target, from),
	)
	if isDatabaseFile(cfg.Source) {
		stmts = append(stmts, fmt.Sprintf(`DETACH %s`, quoteIdent(sourceCatalog)))
	}
	stmts = append(stmts,
		`SET enable_external_access = false`,
		`SET lock_configuration = true`,
	)

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("prepare duckdb source: %s: %w", stmt, err)
		}
	}
	return nil
}

func isDatabaseFile(source string) bool {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".duckdb", ".db", ".ddb":
		return true
	default:
		return false
	}
}

// Dialect implements warehouse.Warehouse.
func (w *Warehouse) Dialect() warehouse.Dialect { return warehouse.DialectDuckDB }

// Table implements warehouse.Warehouse.
func (w *Warehouse) Table() warehouse.TableRef { return w.table }

// Close closes the database.
func (w *Warehouse) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("close duckdb: %w", err)
	}
	return nil
}

// TableInfo reads the table's columns and row count.
func (w *Warehouse) TableInfo(ctx context.Context) (*warehouse.TableInfo, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT column_name, data_type, COALESCE(comment, '')
		FROM duckdb_columns()
		WHERE database_name = ? AND schema_name = ? AND table_name = ?
		ORDER BY column_index`,
		w.table.Project, w.table.Dataset, w.table.Table,
	)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	info := &warehouse.TableInfo{Table: w.table.String()}
	for rows.Next() {
		var c warehouse.Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Description); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		info.Columns = append(info.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", w.table)
	}

	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, w.qualified())
	if err := w.db.QueryRowContext(ctx, countSQL).Scan(&info.NumRows); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return info, nil
}

// Query validates sqlText and runs it, returning at most maxRows rows.
func (w *Warehouse) Query(ctx context.Context, sqlText string, maxRows int) (*warehouse.Result, error) {
	// The policy sees exactly the text DuckDB will run.
	sqlText = rewriteBackticks(warehouse.StripTrailingSemicolons(sqlText))
	if err := w.policy.Check(sqlText); err != nil {
		return nil, err
	}

	rows, err := w.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	result := &warehouse.Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func (w *Warehouse) qualified() string {
	return quoteIdent(w.table.Project) + "." + quoteIdent(w.table.Dataset) + "." + quoteIdent(w.table.Table)
}

func normalizeValues(values []any) []any {
	for i, value := range values {
		switch typed := value.(type) {
		case duckdb.Decimal:
			values[i] = decimal.NewFromBigInt(typed.Value, -int32(typed.Scale))
		case *duckdb.Decimal:
			if typed != nil {
				values[i] = decimal.NewFromBigInt(typed.Value, -int32(typed.Scale))
			}
		}
	}
	return warehouse.NormalizeRow(values)
}

// rewriteBackticks turns GoogleSQL `a.b.c` identifiers into DuckDB's
// "a"."b"."c" so models trained on BigQuery syntax still work. Text inside
// string literals is left alone.
func rewriteBackticks(sqlText string) string {
	if !strings.Contains(sqlText, "`") {
		return sqlText
	}
	var b strings.Builder
	var quote rune
	var ident strings.Builder
	inIdent := false
	for _, r := range sqlText {
		switch {
		case inIdent:
			if r == '`' {
				parts := strings.Split(ident.String(), ".")
				for i, p := range parts {
					if i > 0 {
						b.WriteByte('.')
					}
					b.WriteString(quoteIdent(p))
				}
				ident.Reset()
				inIdent = false
				continue
			}
			ident.WriteRune(r)
		case quote != 0:
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == '`':
			inIdent = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
