package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/fault"
)

func TestStateSetAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	version, err := client.StateSet(ctx, "preferences.espresso", map[string]any{
		"shots": float64(2),
		"milk":  "oat",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "first write starts at version 1")

	value, gotVersion, err := client.StateGet(ctx, "preferences.espresso")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotVersion)

	m, ok := value.(map[string]any)
	require.True(t, ok, "JSONB object should decode to a map, got %T", value)
	assert.Equal(t, float64(2), m["shots"])
	assert.Equal(t, "oat", m["milk"])
}

func TestStateSetIncrementsVersion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	v1, err := client.StateSet(ctx, "counter", float64(1))
	require.NoError(t, err)
	v2, err := client.StateSet(ctx, "counter", float64(2))
	require.NoError(t, err)
	v3, err := client.StateSet(ctx, "counter", float64(3))
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)
	assert.Equal(t, int64(3), v3)

	value, version, err := client.StateGet(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, float64(3), value)
}

func TestStateGetMissingKey(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, _, err := client.StateGet(ctx, "never.written")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestStateCompareAndSet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	v1, err := client.StateSet(ctx, "task.checkpoint", map[string]any{"step": float64(1)})
	require.NoError(t, err)

	// CAS at the current version succeeds and bumps the version.
	v2, err := client.StateCompareAndSet(ctx, "task.checkpoint", v1, map[string]any{"step": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	value, version, err := client.StateGet(ctx, "task.checkpoint")
	require.NoError(t, err)
	assert.Equal(t, v2, version)
	assert.Equal(t, float64(2), value.(map[string]any)["step"])
}

func TestStateCompareAndSetStaleVersion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	v1, err := client.StateSet(ctx, "task.checkpoint", map[string]any{"step": float64(1)})
	require.NoError(t, err)

	// Another writer bumps the version.
	_, err = client.StateSet(ctx, "task.checkpoint", map[string]any{"step": float64(2)})
	require.NoError(t, err)

	// CAS with the stale version must fail without touching the row.
	_, err = client.StateCompareAndSet(ctx, "task.checkpoint", v1, map[string]any{"step": float64(99)})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCASConflict)

	value, version, err := client.StateGet(ctx, "task.checkpoint")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "failed CAS must not bump the version")
	assert.Equal(t, float64(2), value.(map[string]any)["step"], "failed CAS must not change the value")
}

func TestStateCompareAndSetMissingKey(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StateCompareAndSet(ctx, "never.written", 1, "value")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCASConflict, "CAS on a missing key is a conflict, not a create")
}

func TestStateConcurrentCompareAndSet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	v1, err := client.StateSet(ctx, "shared.slot", float64(0))
	require.NoError(t, err)

	// Two writers race a CAS at the same expected version: exactly one wins.
	type result struct {
		version int64
		err     error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			v, err := client.StateCompareAndSet(ctx, "shared.slot", v1, float64(n+1))
			results <- result{version: v, err: err}
		}(i)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			wins++
			assert.Equal(t, v1+1, r.version)
		} else {
			conflicts++
			assert.ErrorIs(t, r.err, fault.ErrCASConflict)
		}
	}
	assert.Equal(t, 1, wins, "exactly one CAS winner")
	assert.Equal(t, 1, conflicts, "exactly one CAS loser")

	_, version, err := client.StateGet(ctx, "shared.slot")
	require.NoError(t, err)
	assert.Equal(t, v1+1, version)
}

func TestStateStoresScalarAndArrayValues(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	cases := []struct {
		key   string
		value any
		want  any
	}{
		{"scalar.string", "hello", "hello"},
		{"scalar.number", float64(42), float64(42)},
		{"scalar.bool", true, true},
		{"scalar.null", nil, nil},
		{"array", []any{"a", float64(1)}, []any{"a", float64(1)}},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			_, err := client.StateSet(ctx, tc.key, tc.value)
			require.NoError(t, err)

			got, _, err := client.StateGet(ctx, tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
