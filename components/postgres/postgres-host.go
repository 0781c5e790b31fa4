package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/sql/transactions"
)

func (p *PostgresProvider) RegisterHost(ctx context.Context, req components.RegisterHostReq) error {
	_, err := transactions.ExecuteInPgxTransaction(ctx, p.log, p.db, p.timeout, func(ctx context.Context, tx pgx.Tx) (z struct{}, err error) {
		queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		// Remove hosts with the same ID or address that have failed their health checks, as they are replaced
		_, err = tx.Exec(queryCtx,
			`DELETE FROM hosts
			WHERE
				cluster_name = $1
				AND (host_id = $2 OR host_address = $3)
				AND host_last_health_check < $4`,
			req.ClusterName, req.HostID, req.Address, p.healthCutoff(),
		)
		if err != nil {
			return z, fmt.Errorf("error removing unhealthy hosts: %w", err)
		}

		// If there's still a host with the same ID or address, it's healthy
		res, err := tx.Exec(queryCtx,
			`INSERT INTO hosts
				(cluster_name, host_id, host_name, host_address, host_last_health_check)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			req.ClusterName, req.HostID, req.Name, req.Address, p.clock.Now(),
		)
		if err != nil {
			return z, fmt.Errorf("error inserting host: %w", err)
		}
		if res.RowsAffected() == 0 {
			return z, components.ErrHostAlreadyRegistered
		}

		return z, nil
	})
	return err
}

func (p *PostgresProvider) UpdateHostHealth(ctx context.Context, clusterName string, hostID string) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Hosts that have already failed their health checks can't come back
	res, err := p.db.Exec(queryCtx,
		`UPDATE hosts
		SET host_last_health_check = $1
		WHERE
			cluster_name = $2
			AND host_id = $3
			AND host_last_health_check >= $4`,
		p.clock.Now(), clusterName, hostID, p.healthCutoff(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	if res.RowsAffected() == 0 {
		return components.ErrHostUnregistered
	}

	return nil
}

func (p *PostgresProvider) UnregisterHost(ctx context.Context, clusterName string, hostID string) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.db.Exec(queryCtx,
		`DELETE FROM hosts WHERE cluster_name = $1 AND host_id = $2`,
		clusterName, hostID,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	if res.RowsAffected() == 0 {
		return components.ErrHostUnregistered
	}

	return nil
}

func (p *PostgresProvider) ListHosts(ctx context.Context, clusterName string) ([]components.HostInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.Query(queryCtx,
		`SELECT host_id, host_name, host_address, host_last_health_check
		FROM hosts
		WHERE
			cluster_name = $1
			AND host_last_health_check >= $2
		ORDER BY host_id`,
		clusterName, p.healthCutoff(),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}

	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (h components.HostInfo, err error) {
		err = row.Scan(&h.HostID, &h.Name, &h.Address, &h.LastHealthCheck)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}
	if res == nil {
		res = []components.HostInfo{}
	}

	return res, nil
}
