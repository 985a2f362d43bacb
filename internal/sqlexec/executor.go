// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sqlexec is the query engine: it runs one query document on one
// leased session and returns a Result.
//
// Key features include:
//   - Every document runs in its own transaction, read-only unless it asks to write
//   - Optional per-query search_path on PostgreSQL that never leaks into the pooled session
//   - Positional variables bound by the driver, never interpolated
//   - JSON result formatting with proper type handling (UUIDs, byte arrays)
//   - PostgreSQL sessions through pgx, SQLite sessions through database/sql
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"querygate/server/internal/connpool"
	"querygate/server/internal/errors"
	"querygate/server/internal/logging"
)

// SQLSession is a session backed by a dedicated database/sql connection.
type SQLSession interface {
	connpool.Session
	Conn() *sql.Conn
}

// Executor runs query documents.
type Executor struct {
	// MaxRows caps the rows returned by a read. Zero means unlimited.
	MaxRows int
}

// New creates an Executor.
func New(maxRows int) *Executor {
	return &Executor{MaxRows: maxRows}
}

// Execute parses document and runs it on sess. It has the signature the
// worker pool expects of a query engine.
func (e *Executor) Execute(ctx context.Context, document []byte, sess connpool.Session) (any, error) {
	d, err := ParseDocument(document)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("executing query",
		"write", d.Write,
		"schema", d.Schema,
		"variables", len(d.Variables),
		"sql", d.Query[:min(100, len(d.Query))])

	switch s := sess.(type) {
	case *pgx.Conn:
		return e.runPG(ctx, s, d)
	case SQLSession:
		return e.runSQL(ctx, s.Conn(), d)
	default:
		return nil, fmt.Errorf("unsupported session type %T", sess)
	}
}

func (e *Executor) runPG(ctx context.Context, conn *pgx.Conn, d *Document) (*Result, error) {
	opts := pgx.TxOptions{AccessMode: pgx.ReadOnly}
	if d.Write {
		opts.AccessMode = pgx.ReadWrite
	}
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback if commit doesn't happen

	if d.Schema != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{d.Schema}.Sanitize()); err != nil {
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	rows, err := tx.Query(ctx, d.Query, d.Variables...)
	if err != nil {
		return nil, err
	}

	fds := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fds)), Rows: [][]any{}}
	for i, fd := range fds {
		res.Columns[i] = fd.Name
	}
	for rows.Next() {
		if e.MaxRows > 0 && len(res.Rows) >= e.MaxRows {
			res.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if d.Write {
		res.RowsAffected = rows.CommandTag().RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return res, nil
}

func (e *Executor) runSQL(ctx context.Context, conn *sql.Conn, d *Document) (*Result, error) {
	if d.Schema != "" {
		return nil, errors.New(errors.KindInvalidRequest, "schema selection is only supported on PostgreSQL")
	}

	if !d.Write {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			return nil, fmt.Errorf("enter read-only mode: %w", err)
		}
		defer conn.ExecContext(context.Background(), "PRAGMA query_only = OFF")
	}

	// total_changes() is per connection, and the connection is ours alone
	// for the duration of the job.
	var before int64
	if d.Write {
		if err := conn.QueryRowContext(ctx, "SELECT total_changes()").Scan(&before); err != nil {
			return nil, fmt.Errorf("read change counter: %w", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Writes go through the query path too so RETURNING rows come back.
	res := &Result{Columns: []string{}, Rows: [][]any{}}
	if err := e.collectSQL(ctx, tx, d, res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}

	if d.Write {
		var after int64
		if err := conn.QueryRowContext(ctx, "SELECT total_changes()").Scan(&after); err != nil {
			return nil, fmt.Errorf("read change counter: %w", err)
		}
		res.RowsAffected = after - before
	}
	return res, nil
}

func (e *Executor) collectSQL(ctx context.Context, tx *sql.Tx, d *Document, res *Result) error {
	rows, err := tx.QueryContext(ctx, d.Query, d.Variables...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	res.Columns = cols

	for rows.Next() {
		if e.MaxRows > 0 && len(res.Rows) >= e.MaxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		res.Rows = append(res.Rows, vals)
	}
	return rows.Err()
}
