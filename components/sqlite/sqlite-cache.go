package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italypaleale/orbit/components"
)

func (s *SQLiteProvider) CacheGet(ctx context.Context, ref components.CacheRef) (value []byte, found bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.db.
		QueryRowContext(queryCtx,
			`SELECT cache_value
			FROM cluster_cache
			WHERE
				cluster_name = ?
				AND cache_name = ?
				AND cache_key = ?
				AND cache_updated_at >= ?`,
			ref.ClusterName, ref.Cache, ref.Key, s.cacheCutoff(),
		).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("error executing query: %w", err)
	}

	return value, true, nil
}

func (s *SQLiteProvider) CacheSet(ctx context.Context, ref components.CacheRef, value []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx,
		`REPLACE INTO cluster_cache
			(cluster_name, cache_name, cache_key, cache_value, cache_updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		ref.ClusterName, ref.Cache, ref.Key, value, s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}

func (s *SQLiteProvider) CachePutIfAbsent(ctx context.Context, ref components.CacheRef, value []byte) (stored []byte, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// If there's an entry already, it's kept unless it has expired
	// All expressions in the SET clause see the values before the update
	cutoff := s.cacheCutoff()
	err = s.db.
		QueryRowContext(queryCtx,
			`INSERT INTO cluster_cache
				(cluster_name, cache_name, cache_key, cache_value, cache_updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (cluster_name, cache_name, cache_key) DO UPDATE SET
				cache_value = CASE WHEN cluster_cache.cache_updated_at < ? THEN excluded.cache_value ELSE cluster_cache.cache_value END,
				cache_updated_at = CASE WHEN cluster_cache.cache_updated_at < ? THEN excluded.cache_updated_at ELSE cluster_cache.cache_updated_at END
			RETURNING cache_value`,
			ref.ClusterName, ref.Cache, ref.Key, value, s.clock.Now().UnixMilli(),
			cutoff, cutoff,
		).
		Scan(&stored)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}

	return stored, nil
}

func (s *SQLiteProvider) CacheDelete(ctx context.Context, ref components.CacheRef) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM cluster_cache
		WHERE
			cluster_name = ?
			AND cache_name = ?
			AND cache_key = ?`,
		ref.ClusterName, ref.Cache, ref.Key,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}
