// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/internal/sql/sqladapter"
)

// GarbageCollector removes expired rows from the database.
type GarbageCollector interface {
	// CleanupExpired removes expired rows, unless another process did that less than one interval ago.
	// It returns the total number of rows removed.
	CleanupExpired(ctx context.Context) (int64, error)
	io.Closer
}

// DeleteQuery is a query that deletes expired rows.
// Args is invoked every time the query is executed, so it can compute time-based arguments.
type DeleteQuery struct {
	Name  string
	Query string
	Args  func() []any
}

type GCOptions struct {
	Logger *slog.Logger

	// Query that must atomically update the "last cleanup time" in the metadata table, but only if the garbage collector hasn't run already.
	// The caller will check the number of affected rows. If zero, it assumes that the GC has ran too recently, and will not proceed to delete expired records.
	// The function receives the interval in milliseconds, and returns both the query and its arguments.
	UpdateLastCleanupQuery func(intervalMs int64) (string, []any)

	// Queries that perform the cleanup of all expired rows, executed in order.
	DeleteQueries []DeleteQuery

	// Interval to perform the cleanup.
	// If zero or negative, the cleanup is not scheduled, and it must be triggered with CleanupExpired.
	CleanupInterval time.Duration

	// Timeout for the cleanup query
	// Default: 5 minutes
	CleanupQueryTimeout time.Duration

	// Database connection.
	// Must be adapted using AdaptDatabaseSQLConn or AdaptPgxConn.
	DB sqladapter.DatabaseConn

	// Optional clock
	Clock clock.WithTicker
}

type gc struct {
	log                    *slog.Logger
	updateLastCleanupQuery func(intervalMs int64) (string, []any)
	deleteQueries          []DeleteQuery
	cleanupInterval        time.Duration
	cleanupQueryTimeout    time.Duration
	db                     sqladapter.DatabaseConn
	clock                  clock.WithTicker

	closed   atomic.Bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

// ScheduleGarbageCollector returns a GarbageCollector, and starts it in background if the interval is positive.
func ScheduleGarbageCollector(opts GCOptions) (GarbageCollector, error) {
	if opts.DB == nil {
		return nil, errors.New("property DB must be provided")
	}
	if opts.UpdateLastCleanupQuery == nil {
		return nil, errors.New("property UpdateLastCleanupQuery must be provided")
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.CleanupQueryTimeout <= 0 {
		// Deletion can take a long time to complete so we have a long timeout
		opts.CleanupQueryTimeout = 5 * time.Minute
	}

	gc := &gc{
		log:                    opts.Logger,
		updateLastCleanupQuery: opts.UpdateLastCleanupQuery,
		deleteQueries:          opts.DeleteQueries,
		cleanupInterval:        opts.CleanupInterval,
		cleanupQueryTimeout:    opts.CleanupQueryTimeout,
		db:                     opts.DB,
		clock:                  opts.Clock,
		closedCh:               make(chan struct{}),
	}

	// Interval can be zero in situations like testing
	if opts.CleanupInterval > 0 {
		gc.wg.Go(gc.scheduleCleanup)
	}

	return gc, nil
}

func (g *gc) scheduleCleanup() {
	g.log.Info("Scheduled clean up of expired data", slog.Duration("interval", g.cleanupInterval))

	ticker := g.clock.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			_, err := g.CleanupExpired(context.Background())
			if err != nil {
				g.log.Error("Error removing expired data", slog.Any("error", err))
			}
		case <-g.closedCh:
			g.log.Debug("Stopping background cleanup of expired data")
			return
		}
	}
}

func (g *gc) CleanupExpired(parentCtx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(parentCtx, g.cleanupQueryTimeout)
	defer cancel()

	// Abort the queries if the collector is closed
	g.wg.Go(func() {
		select {
		case <-ctx.Done():
		case <-g.closedCh:
			cancel()
		}
	})

	// Check if the last iteration was too recent
	// This performs an atomic operation, so allows coordination with other processes too
	canContinue, err := g.updateLastCleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read last cleanup time from database: %w", err)
	}
	if !canContinue {
		g.log.Debug("Last cleanup was performed too recently")
		return 0, nil
	}

	var total int64
	for _, q := range g.deleteQueries {
		var args []any
		if q.Args != nil {
			args = q.Args()
		}
		n, err := g.db.Exec(ctx, q.Query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to execute query '%s': %w", q.Name, err)
		}
		total += n

		if n > 0 {
			g.log.Info("Cleaned up expired rows", slog.String("name", q.Name), slog.Int64("removed", n))
		} else {
			g.log.Debug("No expired rows deleted", slog.String("name", q.Name))
		}
	}
	return total, nil
}

// updateLastCleanup sets the 'last-cleanup' value only if it's older than the cleanup interval.
// Returns true if the row was updated, which means that the cleanup can proceed.
func (g *gc) updateLastCleanup(ctx context.Context) (bool, error) {
	// Subtract 100ms for some buffer
	interval := g.cleanupInterval.Milliseconds() - 100
	if interval < 0 {
		interval = 0
	}
	query, params := g.updateLastCleanupQuery(interval)

	n, err := g.db.Exec(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("error updating last cleanup time: %w", err)
	}

	return n > 0, nil
}

func (g *gc) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		close(g.closedCh)
	}
	g.wg.Wait()

	return nil
}
