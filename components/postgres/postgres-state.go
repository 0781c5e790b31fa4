package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/italypaleale/orbit/actor"
)

func (p *PostgresProvider) ReadState(ctx context.Context, identity actor.Identity) (found bool, data []byte, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.db.
		QueryRow(queryCtx,
			`SELECT actor_state_data
			FROM actor_state
			WHERE
				actor_interface_id = $1
				AND actor_id = $2`,
			identity.InterfaceID, identity.ID,
		).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	} else if err != nil {
		return false, nil, fmt.Errorf("error executing query: %w", err)
	}

	return true, data, nil
}

func (p *PostgresProvider) WriteState(ctx context.Context, identity actor.Identity, data []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.Exec(queryCtx,
		`INSERT INTO actor_state
			(actor_interface_id, actor_id, actor_state_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_interface_id, actor_id) DO UPDATE SET
			actor_state_data = EXCLUDED.actor_state_data`,
		identity.InterfaceID, identity.ID, data,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}

func (p *PostgresProvider) ClearState(ctx context.Context, identity actor.Identity) error {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.Exec(queryCtx,
		`DELETE FROM actor_state
		WHERE
			actor_interface_id = $1
			AND actor_id = $2`,
		identity.InterfaceID, identity.ID,
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}

	return nil
}
