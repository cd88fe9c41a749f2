package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoRows is returned by FetchOne when the query matches nothing.
var ErrNoRows = errors.New("services: no rows")

// Row is one result row keyed by column name.
type Row map[string]any

// DBHandle wraps *sql.DB with context-first helpers. Agents own their SQL;
// the handle only removes the rows/columns boilerplate.
type DBHandle struct {
	db *sql.DB
}

func NewDBHandle(db *sql.DB) *DBHandle {
	return &DBHandle{db: db}
}

// DB exposes the underlying pool for stores that manage their own statements.
func (h *DBHandle) DB() *sql.DB {
	return h.db
}

// Execute runs a statement and returns the affected row count.
func (h *DBHandle) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("services: execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report the count. The statement still ran.
		return 0, nil
	}
	return n, nil
}

// FetchAll runs a query and returns every row as a column-keyed map.
func (h *DBHandle) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("services: fetch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("services: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("services: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			// Drivers hand back []byte for text columns; keep rows printable.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FetchOne runs a query expected to match at most one row.
func (h *DBHandle) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := h.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}
