package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

func newToolRegistry(t *testing.T) (*tools.Registry, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	reg := tools.NewRegistry("health")
	require.NoError(t, RegisterTools(reg, svc))
	return reg, svc
}

func TestScheduleToolsRoundTrip(t *testing.T) {
	reg, _ := newToolRegistry(t)
	ctx := context.Background()

	created, err := reg.Invoke(ctx, "schedule.create", map[string]any{
		"name":     "hydration-check",
		"cron":     "0 */2 * * *",
		"prompt":   "ask about water intake",
		"timezone": "Europe/Berlin",
		"until_at": "2026-12-31T23:59:59+01:00",
	})
	require.NoError(t, err)
	id := created["id"].(string)
	assert.Equal(t, "hydration-check", created["name"])
	assert.Equal(t, "db", created["source"])
	assert.NotEmpty(t, created["next_run_at"])
	assert.NotEmpty(t, created["until_at"])

	shown, err := reg.Invoke(ctx, "schedule.show", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, "hydration-check", shown["name"])

	listed, err := reg.Invoke(ctx, "schedule.list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, listed["count"])

	updated, err := reg.Invoke(ctx, "schedule.update", map[string]any{
		"id":      id,
		"enabled": false,
	})
	require.NoError(t, err)
	assert.Equal(t, false, updated["enabled"])
	assert.NotContains(t, updated, "next_run_at")

	deleted, err := reg.Invoke(ctx, "schedule.delete", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, true, deleted["deleted"])

	_, err = reg.Invoke(ctx, "schedule.show", map[string]any{"id": id})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestScheduleCreateToolRejectsNaiveTimestamp(t *testing.T) {
	reg, _ := newToolRegistry(t)

	_, err := reg.Invoke(context.Background(), "schedule.create", map[string]any{
		"name":   "bad-boundary",
		"cron":   "0 7 * * *",
		"prompt": "p",
		// No timezone offset: rejected at the boundary.
		"start_at": "2026-09-01T10:00:00",
	})
	require.Error(t, err)
	assert.True(t, fault.IsValidationError(err))
	assert.Contains(t, err.Error(), "start_at")
}

func TestScheduleToolsRequireID(t *testing.T) {
	reg, _ := newToolRegistry(t)
	ctx := context.Background()

	for _, tool := range []string{"schedule.show", "schedule.update", "schedule.delete"} {
		_, err := reg.Invoke(ctx, tool, map[string]any{})
		assert.True(t, fault.IsValidationError(err), "tool %s", tool)
	}
}
