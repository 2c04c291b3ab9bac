package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// StateGet reads a state value and its version. Missing keys map to
// fault.ErrNotFound.
func (c *Client) StateGet(ctx context.Context, key string) (any, int64, error) {
	var raw []byte
	var version int64
	err := c.pool.QueryRow(ctx,
		`SELECT value, version FROM butler_state WHERE key = $1`, key,
	).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("state key %q: %w", key, fault.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("state get: %w", err)
	}

	value, err := NormalizeJSONB(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("state get %q: %w", key, err)
	}
	return value, version, nil
}

// StateSet writes a state value unconditionally, creating the key at
// version 1 or bumping the existing version. Returns the new version.
func (c *Client) StateSet(ctx context.Context, key string, value any) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state set %q: encode value: %w", key, err)
	}

	var version int64
	err = c.pool.QueryRow(ctx, `
		INSERT INTO butler_state (key, value, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, version = butler_state.version + 1
		RETURNING version`,
		key, data,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("state set %q: %w", key, err)
	}
	return version, nil
}

// StateCompareAndSet updates (value, version) only when the stored version
// equals expectedVersion, incrementing the version by one. A missing key or
// version mismatch returns fault.ErrCASConflict and leaves the row intact.
func (c *Client) StateCompareAndSet(ctx context.Context, key string, expectedVersion int64, newValue any) (int64, error) {
	data, err := json.Marshal(newValue)
	if err != nil {
		return 0, fmt.Errorf("state cas %q: encode value: %w", key, err)
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE butler_state
		SET value = $3, version = version + 1
		WHERE key = $1 AND version = $2`,
		key, expectedVersion, data,
	)
	if err != nil {
		return 0, fmt.Errorf("state cas %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("state cas %q at version %d: %w", key, expectedVersion, fault.ErrCASConflict)
	}
	return expectedVersion + 1, nil
}
