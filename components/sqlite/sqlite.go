// Package sqlite contains a components.Provider that stores data in a SQLite database.
// It's meant for single-node deployments and for development, or for multiple processes on the same machine sharing a database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	// Blank import for the sqlite driver
	_ "modernc.org/sqlite"

	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/sql/cleanup"
	"github.com/italypaleale/orbit/internal/sql/migrations"
	"github.com/italypaleale/orbit/internal/sql/sqladapter"
	sqlitemigrations "github.com/italypaleale/orbit/internal/sql/migrations/sqlite"
)

//go:embed migrations
var migrationScripts embed.FS

var _ components.Provider = (*SQLiteProvider)(nil)

type SQLiteProvider struct {
	db              *sql.DB
	running         atomic.Bool
	log             *slog.Logger
	timeout         time.Duration
	cleanupInterval time.Duration
	cfg             components.ProviderConfig
	clock           clock.WithTicker
	gc              cleanup.GarbageCollector
}

func NewSQLiteProvider(log *slog.Logger, opts SQLiteProviderOptions, providerConfig components.ProviderConfig) (*SQLiteProvider, error) {
	providerConfig.SetDefaults()
	err := providerConfig.Validate()
	if err != nil {
		return nil, fmt.Errorf("provider configuration is not valid: %w", err)
	}

	opts.setDefaults()
	err = opts.validate()
	if err != nil {
		return nil, fmt.Errorf("options are not valid: %w", err)
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &SQLiteProvider{
		log:             log.With(slog.String("component", "sqlite")),
		timeout:         opts.Timeout,
		cleanupInterval: opts.CleanupInterval,
		cfg:             providerConfig,
		clock:           opts.clock,
	}
	if s.cleanupInterval == 0 {
		s.cleanupInterval = providerConfig.CleanupInterval
	}

	dsn, err := buildDSN(opts.ConnectionString, opts.Timeout, s.log)
	if err != nil {
		return nil, fmt.Errorf("connection string for SQLite is not valid: %w", err)
	}

	s.db, err = sql.Open("sqlite", dsn.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory databases are destroyed when the last connection is closed, and connections to a shared cache can fail with "table is locked" errors
	if dsn.InMemory {
		s.db.SetMaxOpenConns(1)
		s.db.SetConnMaxIdleTime(0)
		s.db.SetConnMaxLifetime(0)
	}

	return s, nil
}

// Init performs the database migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	err := s.performMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}

	return nil
}

func (s *SQLiteProvider) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	// Start the background garbage collection
	err := s.initGC()
	if err != nil {
		return fmt.Errorf("failed to start garbage collector: %w", err)
	}

	<-ctx.Done()

	err = s.gc.Close()
	if err != nil {
		return fmt.Errorf("failed to stop garbage collector: %w", err)
	}

	return nil
}

func (s *SQLiteProvider) HealthCheckInterval() time.Duration {
	return s.cfg.HealthCheckInterval()
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

func (s *SQLiteProvider) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	err = sqlitemigrations.Apply(ctx, s.db, scripts, s.log)
	if err != nil {
		return fmt.Errorf("migrations failed with error: %w", err)
	}

	return nil
}

func (s *SQLiteProvider) initGC() (err error) {
	s.gc, err = cleanup.ScheduleGarbageCollector(cleanup.GCOptions{
		Logger: s.log,
		UpdateLastCleanupQuery: func(intervalMs int64) (string, []any) {
			now := s.clock.Now().UnixMilli()
			return `INSERT INTO metadata (key, value)
				VALUES ('last-cleanup', ?)
				ON CONFLICT (key) DO UPDATE
					SET value = excluded.value
					WHERE CAST(metadata.value AS integer) <= ?`,
				[]any{strconv.FormatInt(now, 10), now - intervalMs}
		},
		DeleteQueries: []cleanup.DeleteQuery{
			{
				Name:  "hosts",
				Query: `DELETE FROM hosts WHERE host_last_health_check < ?`,
				Args: func() []any {
					return []any{s.healthCutoff()}
				},
			},
			{
				Name:  "cluster_cache",
				Query: `DELETE FROM cluster_cache WHERE cache_updated_at < ?`,
				Args: func() []any {
					return []any{s.cacheCutoff()}
				},
			},
		},
		CleanupInterval: s.cleanupInterval,
		DB:              sqladapter.AdaptDatabaseSQLConn(s.db),
		Clock:           s.clock,
	})
	return err
}

// healthCutoff returns the time, in ms, before which a host's last health check makes it unhealthy.
func (s *SQLiteProvider) healthCutoff() int64 {
	return s.clock.Now().Add(-s.cfg.HostHealthCheckDeadline).UnixMilli()
}

// cacheCutoff returns the time, in ms, before which cache entries are expired.
func (s *SQLiteProvider) cacheCutoff() int64 {
	return s.clock.Now().Add(-s.cfg.CacheEntryTTL).UnixMilli()
}
