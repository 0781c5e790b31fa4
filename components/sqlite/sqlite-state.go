package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italypaleale/orbit/actor"
)

func (s *SQLiteProvider) ReadState(ctx context.Context, identity actor.Identity) (found bool, data []byte, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.db.
		QueryRowContext(queryCtx,
			`SELECT actor_state_data
			FROM actor_state
			WHERE
				actor_interface_id = ?
				AND actor_id = ?`,
			identity.InterfaceID, identity.ID,
		).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	} else if err != nil {
		return false, nil, fmt.Errorf("error executing query: %w", err)
	}

	return true, data, nil
}

func (s *SQLiteProvider) WriteState(ctx context.Context, identity actor.Identity, data []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Performs a upsert
	_, err := s.db.ExecContext(queryCtx,
		`REPLACE INTO actor_state
			(actor_interface_id, actor_id, actor_state_data)
		VALUES (?, ?, ?)`,
		identity.InterfaceID, identity.ID, data,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}

func (s *SQLiteProvider) ClearState(ctx context.Context, identity actor.Identity) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM actor_state
		WHERE
			actor_interface_id = ?
			AND actor_id = ?`,
		identity.InterfaceID, identity.ID,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}
