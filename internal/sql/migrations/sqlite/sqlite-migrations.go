// Package sqlitemigrations applies orbit's schema migrations to a SQLite database.
package sqlitemigrations

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/italypaleale/orbit/internal/sql/migrations"
	"github.com/italypaleale/orbit/internal/sql/sqladapter"
)

const (
	// Table and key where the schema version is stored
	metadataTable = "metadata"
	versionKey    = "migrations-version"

	statementTimeout = 30 * time.Second
)

// Apply runs the scripts that haven't been applied yet, in order.
// All scripts run in a single exclusive transaction, so other processes sharing the file wait for it and see either the old or the new schema.
func Apply(ctx context.Context, db *sql.DB, scripts []migrations.Script, log *slog.Logger) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get a connection from the pool: %w", err)
	}

	// A connection whose transaction is still open must not go back to the pool
	discard := true
	defer func() {
		if discard {
			_ = conn.Raw(func(any) error {
				return driver.ErrBadConn
			})
		}
		conn.Close()
	}()

	err = exec(ctx, conn, "BEGIN EXCLUSIVE TRANSACTION")
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = migrate(ctx, conn, scripts, log)
	if err != nil {
		rollbackErr := exec(context.WithoutCancel(ctx), conn, "ROLLBACK TRANSACTION")
		if rollbackErr != nil {
			return multierr.Append(err, fmt.Errorf("failed to rollback transaction: %w", rollbackErr))
		}
		discard = false
		return err
	}

	err = exec(ctx, conn, "COMMIT TRANSACTION")
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	discard = false
	return nil
}

func migrate(ctx context.Context, conn *sql.Conn, scripts []migrations.Script, log *slog.Logger) error {
	fns := make([]migrations.MigrationFn, len(scripts))
	for i, script := range scripts {
		fns[i] = func(ctx context.Context) error {
			log.InfoContext(ctx, "Applying SQLite schema migration", slog.String("migration", script.Name))
			_, err := conn.ExecContext(ctx, script.Query)
			return err
		}
	}

	return migrations.Migrate(ctx, sqladapter.AdaptDatabaseSQLConn(conn), migrations.MigrationOptions{
		EnsureMetadataTable: func(ctx context.Context) error {
			return exec(ctx, conn, `CREATE TABLE IF NOT EXISTS `+metadataTable+` (
				key text NOT NULL PRIMARY KEY,
				value text NOT NULL
			)`)
		},
		GetVersionQuery: `SELECT value FROM ` + metadataTable + ` WHERE key = '` + versionKey + `'`,
		UpdateVersionQuery: func(version string) (string, any) {
			return `REPLACE INTO ` + metadataTable + ` (key, value) VALUES ('` + versionKey + `', ?)`, version
		},
		Migrations: fns,
	}, log)
}

func exec(ctx context.Context, conn *sql.Conn, query string) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	_, err := conn.ExecContext(ctx, query)
	return err
}
