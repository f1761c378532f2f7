// Package bigquery runs the agent's read-only queries on BigQuery.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/ashureev/bqagent/internal/warehouse"
)

// Config configures the BigQuery backend.
type Config struct {
	Table warehouse.TableRef
	// Project bills the query jobs. Defaults to the table's project.
	Project string
	// MaxBytesBilled caps each job when positive.
	MaxBytesBilled int64
}

// Warehouse is a BigQuery-backed warehouse.Warehouse.
type Warehouse struct {
	client         *bq.Client
	table          warehouse.TableRef
	policy         *warehouse.Policy
	maxBytesBilled int64
}

// New creates a client using Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	project := cfg.Project
	if project == "" {
		project = cfg.Table.Project
	}
	client, err := bq.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	slog.Info("BigQuery warehouse ready", "project", project, "table", cfg.Table.String())
	return &Warehouse{
		client:         client,
		table:          cfg.Table,
		policy:         warehouse.NewPolicy(cfg.Table, warehouse.DialectBigQuery),
		maxBytesBilled: cfg.MaxBytesBilled,
	}, nil
}

// Dialect implements warehouse.Warehouse.
func (w *Warehouse) Dialect() warehouse.Dialect { return warehouse.DialectBigQuery }

// Table implements warehouse.Warehouse.
func (w *Warehouse) Table() warehouse.TableRef { return w.table }

// Close releases the client.
func (w *Warehouse) Close() error {
	if err := w.client.Close(); err != nil {
		return fmt.Errorf("close bigquery client: %w", err)
	}
	return nil
}

// TableInfo reads the table's metadata.
func (w *Warehouse) TableInfo(ctx context.Context) (*warehouse.TableInfo, error) {
	md, err := w.client.DatasetInProject(w.table.Project, w.table.Dataset).Table(w.table.Table).Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("get table metadata: %w", err)
	}

	info := &warehouse.TableInfo{
		Table:       w.table.String(),
		Description: md.Description,
		NumRows:     int64(md.NumRows),
	}
	for _, f := range md.Schema {
		typ := string(f.Type)
		if f.Repeated {
			typ = "ARRAY<" + typ + ">"
		}
		info.Columns = append(info.Columns, warehouse.Column{
			Name:        f.Name,
			Type:        typ,
			Description: f.Description,
		})
	}
	return info, nil
}

// Query validates sqlText, dry-runs it to confirm it only reads the
// permitted table, then runs it with the byte cap applied.
func (w *Warehouse) Query(ctx context.Context, sqlText string, maxRows int) (*warehouse.Result, error) {
	if err := w.policy.Check(sqlText); err != nil {
		return nil, err
	}
	sqlText = warehouse.StripTrailingSemicolons(sqlText)

	processed, err := w.dryRun(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	q := w.client.Query(sqlText)
	if w.maxBytesBilled > 0 {
		q.MaxBytesBilled = w.maxBytesBilled
	}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}

	result := &warehouse.Result{BytesProcessed: processed}
	for {
		var row []bq.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if result.Columns == nil {
			for _, f := range it.Schema {
				result.Columns = append(result.Columns, f.Name)
			}
		}
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		result.Rows = append(result.Rows, warehouse.NormalizeRow(toAny(row)))
	}
	return result, nil
}

func (w *Warehouse) dryRun(ctx context.Context, sqlText string) (int64, error) {
	q := w.client.Query(sqlText)
	q.DryRun = true
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("dry run: %w", err)
	}
	status := job.LastStatus()
	if status == nil || status.Statistics == nil {
		return 0, errors.New("dry run returned no statistics")
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("dry run: %w", err)
	}
	stats, ok := status.Statistics.Details.(*bq.QueryStatistics)
	if !ok {
		return 0, errors.New("dry run returned no query statistics")
	}
	if err := w.checkStatistics(stats); err != nil {
		return 0, err
	}
	return status.Statistics.TotalBytesProcessed, nil
}

func (w *Warehouse) checkStatistics(stats *bq.QueryStatistics) error {
	if stats.StatementType != "" && !strings.EqualFold(stats.StatementType, "SELECT") {
		return fmt.Errorf("%w: statement type %s is not allowed", warehouse.ErrPolicyViolation, stats.StatementType)
	}
	for _, t := range stats.ReferencedTables {
		if t == nil {
			continue
		}
		if t.ProjectID != w.table.Project || t.DatasetID != w.table.Dataset || t.TableID != w.table.Table {
			return fmt.Errorf("%w: query reads %s.%s.%s", warehouse.ErrPolicyViolation, t.ProjectID, t.DatasetID, t.TableID)
		}
	}
	return nil
}

func toAny(row []bq.Value) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch nested := v.(type) {
		case []bq.Value:
			out[i] = toAny(nested)
		default:
			out[i] = v
		}
	}
	return out
}
