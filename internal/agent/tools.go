package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/bqagent/internal/warehouse"
)

// Tool names exposed to the model.
const (
	ToolGetTableInfo = "get_table_info"
	ToolExecuteSQL   = "execute_sql"
)

// Tool is a function the model may call. Run errors are reported back to
// the model as a tool result, never to the HTTP caller.
type Tool interface {
	Name() string
	Declaration() ToolDeclaration
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

// WarehouseTools returns the read-only tools bound to wh.
func WarehouseTools(wh warehouse.Warehouse, maxRows int) []Tool {
	return []Tool{
		&tableInfoTool{wh: wh},
		&executeSQLTool{wh: wh, maxRows: maxRows},
	}
}

// ErrorResult is the tool result reported for a failed call.
func ErrorResult(err error) map[string]any {
	return map[string]any{
		"status":        "ERROR",
		"error_details": err.Error(),
	}
}

type tableInfoTool struct {
	wh warehouse.Warehouse
}

func (t *tableInfoTool) Name() string { return ToolGetTableInfo }

func (t *tableInfoTool) Declaration() ToolDeclaration {
	return ToolDeclaration{
		Name:        ToolGetTableInfo,
		Description: fmt.Sprintf("Get the schema and row count of %s, the only table you may query.", t.wh.Table()),
	}
}

func (t *tableInfoTool) Run(ctx context.Context, _ map[string]any) (map[string]any, error) {
	info, err := t.wh.TableInfo(ctx)
	if err != nil {
		return nil, err
	}
	columns := make([]map[string]any, 0, len(info.Columns))
	for _, c := range info.Columns {
		col := map[string]any{"name": c.Name, "type": c.Type}
		if c.Description != "" {
			col["description"] = c.Description
		}
		columns = append(columns, col)
	}
	return map[string]any{
		"status":      "SUCCESS",
		"table":       info.Table,
		"description": info.Description,
		"num_rows":    info.NumRows,
		"columns":     columns,
	}, nil
}

type executeSQLTool struct {
	wh      warehouse.Warehouse
	maxRows int
}

func (t *executeSQLTool) Name() string { return ToolExecuteSQL }

func (t *executeSQLTool) Declaration() ToolDeclaration {
	return ToolDeclaration{
		Name: ToolExecuteSQL,
		Description: fmt.Sprintf("Run one read-only %s SELECT query against %s and return at most %d rows.",
			dialectLabel(t.wh.Dialect()), t.wh.Table(), t.maxRows),
		Params: []ToolParam{{
			Name:        "query",
			Type:        ParamString,
			Description: "The SQL query to run. It must reference the table fully-qualified.",
			Required:    true,
		}},
	}
}

func (t *executeSQLTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("argument 'query' is required")
	}

	result, err := t.wh.Query(ctx, query, t.maxRows)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"status": "SUCCESS",
		"rows":   result.Records(),
	}
	if result.Truncated {
		out["truncated"] = true
		out["note"] = fmt.Sprintf("Only the first %d rows are shown. Aggregate or filter to see the rest.", t.maxRows)
	}
	return out, nil
}
