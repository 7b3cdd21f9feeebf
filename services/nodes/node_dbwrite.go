package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dagflow/api/pkg/clients/sqlexec"
)

var structuredOps = map[string]sqlexec.Op{
	"INSERT": sqlexec.OpInsert,
	"UPDATE": sqlexec.OpUpdate,
	"DELETE": sqlexec.OpDelete,
	"SELECT": sqlexec.OpSelect,
}

// DBWriteHandler executes db_write nodes through the SQL executor.
// A node uses exactly one of two forms:
//
//	structured: operation, table, values?, where?, returning?
//	raw:        raw_sql, params?
//
// Values always bind as parameters; the executor rolls back its
// transaction before any failure reaches this handler's caller.
type DBWriteHandler struct {
	executor sqlexec.Executor
}

// NewDBWriteHandler creates the db_write handler.
func NewDBWriteHandler(executor sqlexec.Executor) *DBWriteHandler {
	return &DBWriteHandler{executor: executor}
}

func (h *DBWriteHandler) Type() string { return TypeDBWrite }

func (h *DBWriteHandler) ValidateConfig(config map[string]any) error {
	_, hasRaw := configString(config, "raw_sql")
	operation, hasOp := configString(config, "operation")

	switch {
	case hasRaw && hasOp:
		return &ConfigError{NodeType: h.Type(), Detail: "use either operation/table or raw_sql, not both"}
	case hasRaw:
		if rawSQL, _ := configString(config, "raw_sql"); strings.TrimSpace(rawSQL) == "" {
			return &ConfigError{NodeType: h.Type(), Detail: "raw_sql is empty"}
		}
		return nil
	case hasOp:
		if _, ok := structuredOps[strings.ToUpper(operation)]; !ok {
			return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("unsupported operation %q", operation)}
		}
		table, ok := configString(config, "table")
		if !ok || strings.TrimSpace(table) == "" {
			return &ConfigError{NodeType: h.Type(), Detail: "table is required"}
		}
		return nil
	default:
		return &ConfigError{NodeType: h.Type(), Detail: "operation or raw_sql is required"}
	}
}

func (h *DBWriteHandler) Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error) {
	if h.executor == nil {
		return nil, fmt.Errorf("sql executor is nil")
	}

	if rawSQL, ok := configString(config, "raw_sql"); ok {
		return h.executeRaw(ctx, rawSQL, config)
	}
	return h.executeStructured(ctx, config)
}

func (h *DBWriteHandler) executeStructured(ctx context.Context, config map[string]any) (map[string]any, error) {
	operation, _ := configString(config, "operation")
	table, _ := configString(config, "table")
	values, _ := configMap(config, "values")
	where, _ := configMap(config, "where")

	var returning []string
	if raw, ok := config["returning"].([]any); ok {
		for _, col := range raw {
			if s, isStr := col.(string); isStr {
				returning = append(returning, s)
			}
		}
	}

	op := structuredOps[strings.ToUpper(operation)]
	slog.Debug("executing db_write node", "op", op, "table", table)

	result, err := h.executor.ExecuteStructured(ctx, sqlexec.Statement{
		Op:        op,
		Table:     table,
		Values:    values,
		Where:     where,
		Returning: returning,
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s failed: %w", op, table, err)
	}

	output := map[string]any{
		"operation":     string(op),
		"table":         table,
		"rows_affected": result.RowsAffected,
		"status":        "success",
	}
	if result.Returned != nil {
		output["returned"] = result.Returned
	}
	return output, nil
}

func (h *DBWriteHandler) executeRaw(ctx context.Context, rawSQL string, config map[string]any) (map[string]any, error) {
	params, _ := configMap(config, "params")

	slog.Debug("executing db_write node", "op", "raw", "params", len(params))

	result, err := h.executor.ExecuteRaw(ctx, rawSQL, params)
	if err != nil {
		return nil, fmt.Errorf("raw SQL failed: %w", err)
	}

	output := map[string]any{
		"operation":     "raw",
		"rows_affected": result.RowsAffected,
		"status":        "success",
	}
	if result.Rows != nil {
		rows := make([]any, len(result.Rows))
		for i, row := range result.Rows {
			rows[i] = row
		}
		output["rows"] = rows
	}
	return output, nil
}
