package delivery

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
	svc, _, _ := newTestService(t)
	reg := tools.NewRegistry("messenger")
	require.NoError(t, RegisterTools(reg, svc, NewDLQ(svc.db)))
	return reg, svc
}

func TestSendAndStatusTools(t *testing.T) {
	reg, _ := newToolRegistry(t)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, "delivery.send", map[string]any{
		"idempotency_key": "tool-key-1",
		"channel":         "telegram",
		"recipient":       "user-123",
		"message":         "meeting moved to 3pm",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, false, out["duplicate"])
	deliveryID := out["delivery_id"].(string)

	out, err = reg.Invoke(ctx, "delivery.send", map[string]any{
		"idempotency_key": "tool-key-1",
		"channel":         "telegram",
		"recipient":       "user-123",
		"message":         "meeting moved to 3pm",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["duplicate"])
	assert.Equal(t, deliveryID, out["delivery_id"])

	out, err = reg.Invoke(ctx, "delivery.status", map[string]any{"id": deliveryID})
	require.NoError(t, err)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "telegram", out["channel"])
	assert.Empty(t, out["attempts"])
}

func TestToolsRequireID(t *testing.T) {
	reg, _ := newToolRegistry(t)
	ctx := context.Background()

	for _, name := range []string{
		"delivery.status",
		"dead_letter.inspect",
		"dead_letter.replay",
		"dead_letter.discard",
	} {
		_, err := reg.Invoke(ctx, name, map[string]any{})
		assert.ErrorIs(t, err, fault.ErrInvalidInput, "tool %s", name)
	}
}

func TestDeadLetterListTool(t *testing.T) {
	reg, svc := newToolRegistry(t)
	ctx := context.Background()

	seedDeadLetter(t, svc, "tool-dl-1", "telegram", 0)
	seedDeadLetter(t, svc, "tool-dl-2", "email", 0)

	out, err := reg.Invoke(ctx, "dead_letter.list", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])

	out, err = reg.Invoke(ctx, "dead_letter.list", map[string]any{"channel": "email"})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	entries := out["dead_letters"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "retry_budget_exhausted", entries[0]["quarantine_reason"])

	_, err = reg.Invoke(ctx, "dead_letter.list", map[string]any{"since": "not-a-timestamp"})
	require.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestReplayAndDiscardTools(t *testing.T) {
	reg, svc := newToolRegistry(t)
	ctx := context.Background()

	dlID, _ := seedDeadLetter(t, svc, "tool-dl-replay", "telegram", 0)

	out, err := reg.Invoke(ctx, "dead_letter.inspect", map[string]any{"id": dlID})
	require.NoError(t, err)
	assert.Equal(t, "telegram", out["channel"])

	out, err = reg.Invoke(ctx, "dead_letter.replay", map[string]any{"id": dlID})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, 1, out["replay_number"])

	_, err = reg.Invoke(ctx, "dead_letter.discard", map[string]any{"id": dlID})
	require.ErrorIs(t, err, fault.ErrInvalidInput)

	out, err = reg.Invoke(ctx, "dead_letter.discard", map[string]any{
		"id":     dlID,
		"reason": "operator cleanup",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["discarded"])
}
