// Package pgmigrations applies orbit's schema migrations to a PostgreSQL database.
package pgmigrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/internal/sql/migrations"
	"github.com/italypaleale/orbit/internal/sql/sqladapter"
)

const (
	// Table and keys where the schema version and the migration lock are stored
	metadataTable = "metadata"
	versionKey    = "migrations-version"
	lockKey       = "migrations-lock"

	statementTimeout = 15 * time.Second
	// Waiting for the lock can take as long as another node's migrations
	lockTimeout = 2 * time.Minute

	createTableAttempts = 3
)

// Apply runs the scripts that haven't been applied yet, in order.
// Nodes sharing the database serialize on a row lock in the metadata table instead of an advisory lock, which some Postgres-compatible databases lack.
// The scripts run in the transaction holding the lock, so a failed migration leaves the schema untouched.
func Apply(ctx context.Context, db sqladapter.PGXPoolConn, scripts []migrations.Script, log *slog.Logger) error {
	err := prepareMetadata(ctx, db, log)
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = migrateLocked(ctx, tx, scripts, log)
	if err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statementTimeout)
		defer cancel()
		rollbackErr := tx.Rollback(rollbackCtx)
		if rollbackErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to rollback transaction: %w", rollbackErr))
		}
		return err
	}

	commitCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	err = tx.Commit(commitCtx)
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.DebugContext(ctx, "Released migration lock")
	return nil
}

// prepareMetadata creates the metadata table and the lock row if needed.
// Both statements are idempotent, and run outside of a transaction so they don't hold table locks.
func prepareMetadata(ctx context.Context, db sqladapter.PGXPoolConn, log *slog.Logger) error {
	// Concurrent "CREATE TABLE IF NOT EXISTS" can still fail on the pg_type unique index
	var err error
	for i := range createTableAttempts {
		if i > 0 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = exec(ctx, db, `CREATE TABLE IF NOT EXISTS `+metadataTable+` (
			key text NOT NULL PRIMARY KEY,
			value text NOT NULL
		)`)
		var pgErr *pgconn.PgError
		if err == nil || !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
			break
		}
		log.DebugContext(ctx, "Concurrent creation of the metadata table, retrying", slog.Int("attempt", i+1))
	}
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	err = exec(ctx, db, `INSERT INTO `+metadataTable+` (key, value) VALUES ('`+lockKey+`', '') ON CONFLICT (key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to create migration lock row: %w", err)
	}
	return nil
}

func migrateLocked(ctx context.Context, tx pgx.Tx, scripts []migrations.Script, log *slog.Logger) error {
	log.DebugContext(ctx, "Acquiring migration lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	var lock string
	err := tx.QueryRow(lockCtx, `SELECT value FROM `+metadataTable+` WHERE key = '`+lockKey+`' FOR UPDATE`).Scan(&lock)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	fns := make([]migrations.MigrationFn, len(scripts))
	for i, script := range scripts {
		fns[i] = func(ctx context.Context) error {
			log.InfoContext(ctx, "Applying Postgres schema migration", slog.String("migration", script.Name))
			_, err := tx.Exec(ctx, script.Query)
			return err
		}
	}

	return migrations.Migrate(ctx, sqladapter.AdaptPgxConn(tx), migrations.MigrationOptions{
		GetVersionQuery: `SELECT value FROM ` + metadataTable + ` WHERE key = '` + versionKey + `'`,
		UpdateVersionQuery: func(version string) (string, any) {
			return `INSERT INTO ` + metadataTable + ` (key, value) VALUES ('` + versionKey + `', $1) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, version
		},
		Migrations: fns,
	}, log)
}

func exec(ctx context.Context, db sqladapter.PGXPoolConn, query string) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	_, err := db.Exec(ctx, query)
	return err
}
