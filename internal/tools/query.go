package tools

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

func (r *Runner) dbQueryRun(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Query   string `json:"query"`
		MaxRows int    `json:"maxRows"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}

	if err := r.statements.Check(req.Query); err != nil {
		return nil, deniedErrorf("%v", err)
	}
	if req.MaxRows < 0 {
		return nil, validationErrorf("maxRows must be >= 0")
	}
	limit := maxQueryRows
	if req.MaxRows > 0 && req.MaxRows < limit {
		limit = req.MaxRows
	}

	if r.queryDBPath == "" {
		return nil, unavailableErrorf("no query database is configured")
	}
	if _, err := os.Stat(r.queryDBPath); err != nil {
		return nil, unavailableErrorf("query database %s is not available", r.queryDBPath)
	}

	// The connection is read-only at the driver level on top of the
	// statement screen, so a keyword that slips past the filter still
	// cannot mutate the database.
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1", r.queryDBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mapExecutionError(err, "opening query database")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, req.Query)
	if err != nil {
		return nil, validationErrorf("query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, mapExecutionError(err, "reading query columns")
	}

	results := make([][]any, 0, 16)
	truncated := false
	for rows.Next() {
		if len(results) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, mapExecutionError(err, "scanning query row")
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		results = append(results, values)
	}
	if err := rows.Err(); err != nil {
		return nil, mapExecutionError(err, "iterating query rows")
	}

	return map[string]any{
		"columns":   columns,
		"rows":      results,
		"rowCount":  len(results),
		"truncated": truncated,
	}, nil
}
