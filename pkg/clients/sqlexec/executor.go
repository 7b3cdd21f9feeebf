package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Op is the closed set of structured operations.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	OpSelect Op = "SELECT"
)

// Statement is a structured SQL operation. Column and table names are
// validated as identifiers; every value is bound as a parameter, never
// spliced into SQL text.
type Statement struct {
	Op        Op
	Table     string
	Values    map[string]any
	Where     map[string]any
	Returning []string
}

// Result is the outcome of a structured statement.
type Result struct {
	RowsAffected int64
	Returned     map[string]any
}

// RawResult is the outcome of a raw statement.
type RawResult struct {
	Rows         []map[string]any
	RowsAffected int64
}

// ErrInvalidStatement marks statements rejected before touching the
// database (bad identifiers, unsupported op, missing clauses).
var ErrInvalidStatement = errors.New("sqlexec: invalid statement")

// Executor runs workflow-authored SQL. Each call executes inside its
// own transaction; on any error the transaction is rolled back before
// the call returns.
type Executor interface {
	ExecuteStructured(ctx context.Context, stmt Statement) (*Result, error)
	ExecuteRaw(ctx context.Context, sql string, params map[string]any) (*RawResult, error)
}

// DB is the slice of pgxpool.Pool the executor needs. Satisfied by
// pgxmock in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxExecutor implements Executor over a pgx connection pool.
type PgxExecutor struct {
	db DB
}

// NewPgxExecutor creates an executor over the given pool.
func NewPgxExecutor(db DB) (*PgxExecutor, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlexec: db cannot be nil")
	}
	return &PgxExecutor{db: db}, nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// namedParamPattern matches :name references in raw SQL. Postgres
// type casts (::text) are skipped by requiring the previous character
// not be a colon.
var namedParamPattern = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

func (e *PgxExecutor) ExecuteStructured(ctx context.Context, stmt Statement) (*Result, error) {
	sql, args, err := buildStatement(stmt)
	if err != nil {
		return nil, err
	}

	slog.Debug("executing structured SQL", "op", stmt.Op, "table", stmt.Table)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: begin: %w", err)
	}

	result, err := runStructured(ctx, tx, stmt, sql, args)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Error("rollback failed", "table", stmt.Table, "error", rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sqlexec: commit: %w", err)
	}
	return result, nil
}

func runStructured(ctx context.Context, tx pgx.Tx, stmt Statement, sql string, args []any) (*Result, error) {
	returnsRows := stmt.Op == OpSelect || len(stmt.Returning) > 0
	if !returnsRows {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlexec: %s on %s: %w", stmt.Op, stmt.Table, err)
		}
		return &Result{RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: %s on %s: %w", stmt.Op, stmt.Table, err)
	}
	mapped, err := collectRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: %s on %s: %w", stmt.Op, stmt.Table, err)
	}

	result := &Result{RowsAffected: int64(len(mapped))}
	if len(mapped) > 0 {
		result.Returned = mapped[0]
	}
	return result, nil
}

func (e *PgxExecutor) ExecuteRaw(ctx context.Context, sql string, params map[string]any) (*RawResult, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("%w: empty SQL", ErrInvalidStatement)
	}

	bound, args, err := bindNamedParams(sql, params)
	if err != nil {
		return nil, err
	}

	slog.Debug("executing raw SQL", "params", len(args))

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: begin: %w", err)
	}

	result, err := runRaw(ctx, tx, bound, args)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Error("rollback failed", "error", rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sqlexec: commit: %w", err)
	}
	return result, nil
}

func runRaw(ctx context.Context, tx pgx.Tx, sql string, args []any) (*RawResult, error) {
	if isRowReturning(sql) {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlexec: raw query: %w", err)
		}
		mapped, err := collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlexec: raw query: %w", err)
		}
		return &RawResult{Rows: mapped, RowsAffected: int64(len(mapped))}, nil
	}

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: raw exec: %w", err)
	}
	return &RawResult{RowsAffected: tag.RowsAffected()}, nil
}

// buildStatement renders a Statement to SQL with positional
// parameters. Column order is sorted so the same statement always
// produces the same SQL text.
func buildStatement(stmt Statement) (string, []any, error) {
	if !identifierPattern.MatchString(stmt.Table) {
		return "", nil, fmt.Errorf("%w: table %q", ErrInvalidStatement, stmt.Table)
	}
	for _, col := range stmt.Returning {
		if !identifierPattern.MatchString(col) {
			return "", nil, fmt.Errorf("%w: returning column %q", ErrInvalidStatement, col)
		}
	}

	var sb strings.Builder
	var args []any

	appendWhere := func() error {
		if len(stmt.Where) == 0 {
			return nil
		}
		cols, err := sortedColumns(stmt.Where)
		if err != nil {
			return err
		}
		sb.WriteString(" WHERE ")
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			args = append(args, stmt.Where[col])
			fmt.Fprintf(&sb, "%s = $%d", col, len(args))
		}
		return nil
	}

	switch stmt.Op {
	case OpInsert:
		cols, err := sortedColumns(stmt.Values)
		if err != nil {
			return "", nil, err
		}
		if len(cols) == 0 {
			return "", nil, fmt.Errorf("%w: INSERT requires values", ErrInvalidStatement)
		}
		placeholders := make([]string, len(cols))
		for i, col := range cols {
			args = append(args, stmt.Values[col])
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
			stmt.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	case OpUpdate:
		cols, err := sortedColumns(stmt.Values)
		if err != nil {
			return "", nil, err
		}
		if len(cols) == 0 {
			return "", nil, fmt.Errorf("%w: UPDATE requires values", ErrInvalidStatement)
		}
		if len(stmt.Where) == 0 {
			return "", nil, fmt.Errorf("%w: UPDATE requires a where clause", ErrInvalidStatement)
		}
		fmt.Fprintf(&sb, "UPDATE %s SET ", stmt.Table)
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, stmt.Values[col])
			fmt.Fprintf(&sb, "%s = $%d", col, len(args))
		}
		if err := appendWhere(); err != nil {
			return "", nil, err
		}

	case OpDelete:
		if len(stmt.Where) == 0 {
			return "", nil, fmt.Errorf("%w: DELETE requires a where clause", ErrInvalidStatement)
		}
		fmt.Fprintf(&sb, "DELETE FROM %s", stmt.Table)
		if err := appendWhere(); err != nil {
			return "", nil, err
		}

	case OpSelect:
		columns := "*"
		if len(stmt.Returning) > 0 {
			columns = strings.Join(stmt.Returning, ", ")
		}
		fmt.Fprintf(&sb, "SELECT %s FROM %s", columns, stmt.Table)
		if err := appendWhere(); err != nil {
			return "", nil, err
		}

	default:
		return "", nil, fmt.Errorf("%w: unsupported op %q", ErrInvalidStatement, stmt.Op)
	}

	if stmt.Op != OpSelect && len(stmt.Returning) > 0 {
		fmt.Fprintf(&sb, " RETURNING %s", strings.Join(stmt.Returning, ", "))
	}

	return sb.String(), args, nil
}

// bindNamedParams rewrites :name references to positional $n
// placeholders. Every referenced name must exist in params.
func bindNamedParams(sql string, params map[string]any) (string, []any, error) {
	var args []any
	positions := make(map[string]int)
	var missing []string

	bound := namedParamPattern.ReplaceAllStringFunc(sql, func(match string) string {
		sub := namedParamPattern.FindStringSubmatch(match)
		prefix, name := sub[1], sub[2]

		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		pos, seen := positions[name]
		if !seen {
			args = append(args, value)
			pos = len(args)
			positions[name] = pos
		}
		return fmt.Sprintf("%s$%d", prefix, pos)
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", nil, fmt.Errorf("%w: unbound parameters: %s", ErrInvalidStatement, strings.Join(missing, ", "))
	}
	return bound, args, nil
}

func sortedColumns(m map[string]any) ([]string, error) {
	cols := make([]string, 0, len(m))
	for col := range m {
		if !identifierPattern.MatchString(col) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidStatement, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}

func isRowReturning(sql string) bool {
	upper := strings.ToUpper(sql)
	trimmed := strings.TrimSpace(upper)
	return strings.HasPrefix(trimmed, "SELECT") ||
		strings.HasPrefix(trimmed, "WITH") ||
		strings.Contains(upper, "RETURNING")
}

func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
