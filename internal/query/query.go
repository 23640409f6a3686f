// Package query executes read-only SQL against an environment's pool and
// normalizes driver values into JSON-friendly results.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/manifolddb/manifold/internal/srverr"
)

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is one result row with values in column order.
type Row []any

// Result is a fully materialized query result.
type Result struct {
	Environment   string       `json:"environment"`
	Columns       []ColumnInfo `json:"columns"`
	Rows          []Row        `json:"rows"`
	RowCount      int          `json:"row_count"`
	Truncated     bool         `json:"truncated,omitempty"`
	ExecutionTime string       `json:"execution_time"`
}

// readOnlyPrefixes are the only statement verbs the gateway executes.
var readOnlyPrefixes = []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"}

// IsReadOnly reports whether the statement starts with a permitted
// read-only verb. Leading whitespace is ignored; the check is
// case-insensitive.
func IsReadOnly(sql string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(sql))
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			rest := trimmed[len(prefix):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '(' || rest[0] == '*' {
				return true
			}
		}
	}
	return false
}

// Validate rejects statements the gateway will not run.
func Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return srverr.Validation("query is empty", "")
	}
	if !IsReadOnly(sql) {
		return srverr.Validation(
			"only read-only statements are allowed (SELECT, SHOW, DESCRIBE, EXPLAIN)",
			srverr.SanitizeSQL(sql))
	}
	return nil
}

// Execute runs a validated read-only statement and materializes up to
// maxRows rows. maxRows <= 0 means unbounded. Positional params use ?
// placeholders and are rebound to the driver's bindvar style.
func Execute(ctx context.Context, db *sqlx.DB, env, sql string, params []any, maxRows int) (*Result, error) {
	if err := Validate(sql); err != nil {
		return nil, err
	}

	start := time.Now()
	bound := sql
	if len(params) > 0 {
		bound = db.Rebind(sql)
	}
	rows, err := db.QueryxContext(ctx, bound, params...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, srverr.Timeout(env, "query", time.Since(start))
		}
		if srverr.IsConnectionError(err) {
			return nil, srverr.Connection(env, err, true)
		}
		return nil, srverr.Query(env, sql, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, srverr.Query(env, sql, err)
	}
	columns := make([]ColumnInfo, len(names))
	for i, name := range names {
		columns[i] = ColumnInfo{Name: name, Type: "unknown"}
	}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			if i < len(columns) {
				columns[i].Type = ct.DatabaseTypeName()
			}
		}
	}

	result := &Result{Environment: env, Columns: columns, Rows: []Row{}}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, srverr.Query(env, sql, err)
		}
		row := make(Row, len(raw))
		for i, v := range raw {
			row[i] = NormalizeValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, srverr.Timeout(env, "query", time.Since(start))
		}
		return nil, srverr.Query(env, sql, err)
	}

	result.RowCount = len(result.Rows)
	result.ExecutionTime = time.Since(start).Round(time.Microsecond).String()
	return result, nil
}

// NormalizeValue converts driver-specific scan values into types that
// marshal cleanly to JSON. Byte slices become strings and times render in
// RFC 3339; everything else passes through.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}
