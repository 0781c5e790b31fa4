// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

// Package sqladapter offers a common interface over database/sql and pgx connections, so helpers such as migrations and garbage collection can work with both.
package sqladapter

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DatabaseConn is the interface used by the helpers.
type DatabaseConn interface {
	QueryRow(ctx context.Context, query string, args ...any) Row
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	IsNoRowsError(err error) bool
}

// Row is a row returned by QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// DatabaseSQLConn is implemented by *sql.DB, *sql.Conn, and *sql.Tx.
type DatabaseSQLConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGXPoolConn is implemented by *pgxpool.Pool and *pgx.Conn.
type PGXPoolConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AdaptDatabaseSQLConn returns a DatabaseConn for a database/sql connection.
func AdaptDatabaseSQLConn(db DatabaseSQLConn) DatabaseConn {
	return &sqlAdapter{db: db}
}

// AdaptPgxConn returns a DatabaseConn for a pgx connection.
func AdaptPgxConn(db PGXPoolConn) DatabaseConn {
	return &pgxAdapter{db: db}
}

type sqlAdapter struct {
	db DatabaseSQLConn
}

func (a *sqlAdapter) QueryRow(ctx context.Context, query string, args ...any) Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *sqlAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *sqlAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type pgxAdapter struct {
	db PGXPoolConn
}

func (a *pgxAdapter) QueryRow(ctx context.Context, query string, args ...any) Row {
	return a.db.QueryRow(ctx, query, args...)
}

func (a *pgxAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (a *pgxAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
