package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so store
// methods run unchanged inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Fetch runs a query and returns all rows as column-name maps.
func (c *Client) Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rowsToMaps(rows)
}

// FetchRow runs a query expected to return one row. Missing rows map to
// fault.ErrNotFound.
func (c *Client) FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	results, err := rowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fault.ErrNotFound
	}
	return results[0], nil
}

// FetchVal runs a query expected to return a single value. Missing rows map
// to fault.ErrNotFound.
func (c *Client) FetchVal(ctx context.Context, sql string, args ...any) (any, error) {
	var val any
	err := c.pool.QueryRow(ctx, sql, args...).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return normalizeValue(val), nil
}

// Execute runs a statement and returns the number of affected rows.
func (c *Client) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (c *Client) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		m := make(map[string]any, len(fields))
		for i, fd := range fields {
			m[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// normalizeValue converts driver-level values into plain Go shapes:
// UUID byte arrays become strings, leaving everything else untouched.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	default:
		return v
	}
}

// NormalizeJSONB converts a value read from a JSONB column into structured
// form. Values may arrive already decoded (map/slice) or as raw JSON text
// ([]byte or string); both normalize to the decoded shape. nil stays nil.
func NormalizeJSONB(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any, []any:
		return val, nil
	case []byte:
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, fmt.Errorf("decode jsonb: %w", err)
		}
		return out, nil
	case string:
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("decode jsonb: %w", err)
		}
		return out, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, fmt.Errorf("decode jsonb: %w", err)
		}
		return out, nil
	default:
		return val, nil
	}
}
