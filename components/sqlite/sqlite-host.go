package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/internal/sql/transactions"
)

func (s *SQLiteProvider) RegisterHost(ctx context.Context, req components.RegisterHostReq) error {
	_, err := transactions.ExecuteInSqlTransaction(ctx, s.log, s.db, s.timeout, transactions.ModeImmediate, func(ctx context.Context, tx *sql.Conn) (z struct{}, err error) {
		now := s.clock.Now()

		// Remove hosts with the same ID or address that have failed their health checks, as they are replaced
		queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err = tx.ExecContext(queryCtx,
			`DELETE FROM hosts
			WHERE
				cluster_name = ?
				AND (host_id = ? OR host_address = ?)
				AND host_last_health_check < ?`,
			req.ClusterName, req.HostID, req.Address, s.healthCutoff(),
		)
		if err != nil {
			return z, fmt.Errorf("error removing unhealthy hosts: %w", err)
		}

		// If there's still a host with the same ID or address, it's healthy
		res, err := tx.ExecContext(queryCtx,
			`INSERT INTO hosts
				(cluster_name, host_id, host_name, host_address, host_last_health_check)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			req.ClusterName, req.HostID, req.Name, req.Address, now.UnixMilli(),
		)
		if err != nil {
			return z, fmt.Errorf("error inserting host: %w", err)
		}
		count, err := res.RowsAffected()
		if err != nil {
			return z, fmt.Errorf("error counting affected rows: %w", err)
		}
		if count == 0 {
			return z, components.ErrHostAlreadyRegistered
		}

		return z, nil
	})
	return err
}

func (s *SQLiteProvider) UpdateHostHealth(ctx context.Context, clusterName string, hostID string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Hosts that have already failed their health checks can't come back
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE hosts
		SET host_last_health_check = ?
		WHERE
			cluster_name = ?
			AND host_id = ?
			AND host_last_health_check >= ?`,
		s.clock.Now().UnixMilli(), clusterName, hostID, s.healthCutoff(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error counting affected rows: %w", err)
	}
	if count == 0 {
		return components.ErrHostUnregistered
	}

	return nil
}

func (s *SQLiteProvider) UnregisterHost(ctx context.Context, clusterName string, hostID string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx,
		`DELETE FROM hosts WHERE cluster_name = ? AND host_id = ?`,
		clusterName, hostID,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error counting affected rows: %w", err)
	}
	if count == 0 {
		return components.ErrHostUnregistered
	}

	return nil
}

func (s *SQLiteProvider) ListHosts(ctx context.Context, clusterName string) ([]components.HostInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx,
		`SELECT host_id, host_name, host_address, host_last_health_check
		FROM hosts
		WHERE
			cluster_name = ?
			AND host_last_health_check >= ?
		ORDER BY host_id`,
		clusterName, s.healthCutoff(),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	defer rows.Close()

	res := make([]components.HostInfo, 0)
	for rows.Next() {
		var (
			h          components.HostInfo
			lastHealth int64
		)
		err = rows.Scan(&h.HostID, &h.Name, &h.Address, &lastHealth)
		if err != nil {
			return nil, fmt.Errorf("error reading row: %w", err)
		}
		h.LastHealthCheck = time.UnixMilli(lastHealth)
		res = append(res, h)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}

	return res, nil
}
