// Package postgres contains a components.Provider that stores data in a PostgreSQL database.
// Multiple nodes can share the same database.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/sql/cleanup"
	"github.com/italypaleale/orbit/internal/sql/migrations"
	postgresmigrations "github.com/italypaleale/orbit/internal/sql/migrations/postgres"
	"github.com/italypaleale/orbit/internal/sql/sqladapter"
)

var (
	//go:embed migrations
	migrationScripts embed.FS
)

const (
	DefaultTimeout = 5 * time.Second
)

var _ components.Provider = (*PostgresProvider)(nil)

type PostgresProvider struct {
	cfg             components.ProviderConfig
	db              *pgxpool.Pool
	ownsDB          bool
	running         atomic.Bool
	log             *slog.Logger
	timeout         time.Duration
	cleanupInterval time.Duration
	gc              cleanup.GarbageCollector
	clock           clock.WithTicker
}

func NewPostgresProvider(log *slog.Logger, postgresOpts PostgresProviderOptions, providerConfig components.ProviderConfig) (*PostgresProvider, error) {
	providerConfig.SetDefaults()
	err := providerConfig.Validate()
	if err != nil {
		return nil, fmt.Errorf("provider configuration is not valid: %w", err)
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	p := &PostgresProvider{
		cfg:             providerConfig,
		log:             log.With(slog.String("component", "postgres")),
		timeout:         postgresOpts.Timeout,
		cleanupInterval: postgresOpts.CleanupInterval,
		db:              postgresOpts.DB,
		clock:           postgresOpts.clock,
	}

	// Set default values
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.cleanupInterval == 0 {
		p.cleanupInterval = providerConfig.CleanupInterval
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}

	// The query timeout should be smaller than HostHealthCheckDeadline
	if p.timeout >= p.cfg.HostHealthCheckDeadline {
		return nil, fmt.Errorf("the configured host health check deadline ('%v') must be bigger than the query timeout ('%v')", p.cfg.HostHealthCheckDeadline, p.timeout)
	}
	if p.cfg.HostHealthCheckDeadline-p.timeout < 5*time.Second {
		p.log.Warn("The configured host health check deadline is less than 5s more than the query timeout: this could cause issues", slog.Duration("healthCheckDeadline", p.cfg.HostHealthCheckDeadline), slog.Duration("queryTimeout", p.timeout))
	}

	// Open a database connection unless we have one passed in already
	if p.db == nil {
		cfg, err := postgresOpts.GetPgxPoolConfig()
		if err != nil {
			return nil, err
		}

		connCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.db, err = pgxpool.NewWithConfig(connCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres database: %w", err)
		}
		p.ownsDB = true
	}

	return p, nil
}

func (p *PostgresProvider) Init(ctx context.Context) error {
	err := p.performMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to perform schema migrations: %w", err)
	}

	return nil
}

func (p *PostgresProvider) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	// Start the background garbage collection
	err := p.initGC()
	if err != nil {
		return fmt.Errorf("failed to start garbage collector: %w", err)
	}

	<-ctx.Done()

	err = p.gc.Close()
	if err != nil {
		return fmt.Errorf("failed to stop garbage collector: %w", err)
	}

	return nil
}

func (p *PostgresProvider) HealthCheckInterval() time.Duration {
	// The recommended health check interval is the deadline, less the query timeout, less 1s, then rounded down to the closest 5s
	interval := (p.cfg.HostHealthCheckDeadline - p.timeout - time.Second).Truncate(time.Second)
	interval -= time.Duration(int64(interval.Seconds())%5) * time.Second

	// ...however, there's a minimum of 1s
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (p *PostgresProvider) Close() error {
	if p.ownsDB {
		p.db.Close()
	}
	return nil
}

func (p *PostgresProvider) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	err = postgresmigrations.Apply(ctx, p.db, scripts, p.log)
	if err != nil {
		return fmt.Errorf("migrations failed with error: %w", err)
	}

	return nil
}

func (p *PostgresProvider) initGC() (err error) {
	p.gc, err = cleanup.ScheduleGarbageCollector(cleanup.GCOptions{
		Logger: p.log,
		UpdateLastCleanupQuery: func(intervalMs int64) (string, []any) {
			now := p.clock.Now().UnixMilli()
			return `
				INSERT INTO metadata (key, value)
					VALUES ('last-cleanup', $1)
				ON CONFLICT (key)
					DO UPDATE SET value = EXCLUDED.value
				WHERE metadata.value::bigint <= $2`,
				[]any{strconv.FormatInt(now, 10), now - intervalMs}
		},
		DeleteQueries: []cleanup.DeleteQuery{
			{
				Name:  "hosts",
				Query: `DELETE FROM hosts WHERE host_last_health_check < $1`,
				Args: func() []any {
					return []any{p.healthCutoff()}
				},
			},
			{
				Name:  "cluster_cache",
				Query: `DELETE FROM cluster_cache WHERE cache_updated_at < $1`,
				Args: func() []any {
					return []any{p.cacheCutoff()}
				},
			},
		},
		CleanupInterval: p.cleanupInterval,
		DB:              sqladapter.AdaptPgxConn(p.db),
		Clock:           p.clock,
	})
	return err
}

// healthCutoff returns the time before which a host's last health check makes it unhealthy.
func (p *PostgresProvider) healthCutoff() time.Time {
	return p.clock.Now().Add(-p.cfg.HostHealthCheckDeadline)
}

// cacheCutoff returns the time before which cache entries are expired.
func (p *PostgresProvider) cacheCutoff() time.Time {
	return p.clock.Now().Add(-p.cfg.CacheEntryTTL)
}
