package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/model"
	"github.com/sakif/kernelhub/internal/repository"
)

// COMPILE-TIME INTERFACE CHECK:
// If *DB stops implementing repository.ExecutionRepository the build fails
// here instead of at the first call site.
var _ repository.ExecutionRepository = (*DB)(nil)

const executionColumns = `id, language, document, cell_index, code, stdout, stderr,
	has_image, status, error, merged, duration_ms, created_at`

// Create inserts a history record. It sets exec.ID (an xid, sortable by
// creation time) and exec.CreatedAt.
func (db *DB) Create(ctx context.Context, exec *model.Execution) error {
	exec.ID = xid.New().String()
	exec.CreatedAt = time.Now().UTC()

	var cell sql.NullInt64
	if exec.CellIndex != nil {
		cell = sql.NullInt64{Int64: int64(*exec.CellIndex), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Language,
		exec.Document,
		cell,
		exec.Code,
		exec.Stdout,
		exec.Stderr,
		exec.HasImage,
		string(exec.Status),
		exec.Error,
		exec.Merged,
		exec.DurationMS,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

// GetByID returns one record, or an apperror.ErrNotFound error.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns records newest first. Limit defaults to 20 and is capped
// at 100.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	where, args := filterClause(opts)
	args = append(args, limit, offset)

	// xid ids sort by creation time, which breaks created_at ties.
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

// Count returns how many records match the filters in opts. Limit and
// Offset are ignored.
func (db *DB) Count(ctx context.Context, opts repository.ListOptions) (int, error) {
	where, args := filterClause(opts)
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting executions: %w", err)
	}
	return n, nil
}

// filterClause builds the WHERE clause for the optional filters. Values are
// always bound as parameters.
func filterClause(opts repository.ListOptions) (string, []any) {
	var conds []string
	var args []any
	if opts.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, opts.Language)
	}
	if opts.Document != "" {
		conds = append(conds, "document = ?")
		args = append(args, opts.Document)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		exec   model.Execution
		cell   sql.NullInt64
		status string
	)
	err := s.Scan(
		&exec.ID,
		&exec.Language,
		&exec.Document,
		&cell,
		&exec.Code,
		&exec.Stdout,
		&exec.Stderr,
		&exec.HasImage,
		&status,
		&exec.Error,
		&exec.Merged,
		&exec.DurationMS,
		&exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cell.Valid {
		idx := int(cell.Int64)
		exec.CellIndex = &idx
	}
	exec.Status = model.ExecutionStatus(status)
	return &exec, nil
}
