package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/italypaleale/orbit/components"
)

func (p *PostgresProvider) CacheGet(ctx context.Context, ref components.CacheRef) (value []byte, found bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.db.
		QueryRow(queryCtx,
			`SELECT cache_value
			FROM cluster_cache
			WHERE
				cluster_name = $1
				AND cache_name = $2
				AND cache_key = $3
				AND cache_updated_at >= $4`,
			ref.ClusterName, ref.Cache, ref.Key, p.cacheCutoff(),
		).
		Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("error executing query: %w", err)
	}

	return value, true, nil
}

func (p *PostgresProvider) CacheSet(ctx context.Context, ref components.CacheRef, value []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.Exec(queryCtx,
		`INSERT INTO cluster_cache
			(cluster_name, cache_name, cache_key, cache_value, cache_updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_name, cache_name, cache_key) DO UPDATE SET
			cache_value = EXCLUDED.cache_value,
			cache_updated_at = EXCLUDED.cache_updated_at`,
		ref.ClusterName, ref.Cache, ref.Key, value, p.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}

func (p *PostgresProvider) CachePutIfAbsent(ctx context.Context, ref components.CacheRef, value []byte) (stored []byte, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// If there's an entry already, it's kept unless it has expired
	// All expressions in the SET clause see the values before the update
	err = p.db.
		QueryRow(queryCtx,
			`INSERT INTO cluster_cache
				(cluster_name, cache_name, cache_key, cache_value, cache_updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cluster_name, cache_name, cache_key) DO UPDATE SET
				cache_value = CASE WHEN cluster_cache.cache_updated_at < $6 THEN EXCLUDED.cache_value ELSE cluster_cache.cache_value END,
				cache_updated_at = CASE WHEN cluster_cache.cache_updated_at < $6 THEN EXCLUDED.cache_updated_at ELSE cluster_cache.cache_updated_at END
			RETURNING cache_value`,
			ref.ClusterName, ref.Cache, ref.Key, value, p.clock.Now(), p.cacheCutoff(),
		).
		Scan(&stored)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}

	return stored, nil
}

func (p *PostgresProvider) CacheDelete(ctx context.Context, ref components.CacheRef) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.Exec(queryCtx,
		`DELETE FROM cluster_cache
		WHERE
			cluster_name = $1
			AND cache_name = $2
			AND cache_key = $3`,
		ref.ClusterName, ref.Cache, ref.Key,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}
