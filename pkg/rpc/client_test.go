package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// testButler stands up a real Server on an httptest listener and returns
// its base URL.
func testButler(t *testing.T, name string, ts ...tools.Tool) string {
	t.Helper()
	reg := tools.NewRegistry(name)
	require.NoError(t, reg.RegisterAll(ts...))
	s := NewServer(name, reg, nil, nil)
	srv := httptest.NewServer(s.echo)
	t.Cleanup(srv.Close)
	return srv.URL
}

// testSwitchboard serves registry.resolve backed by a static name → URL map
// and counts resolutions.
func testSwitchboard(t *testing.T, endpoints map[string]string) (string, *atomic.Int32) {
	t.Helper()
	var resolves atomic.Int32
	resolve := tools.Func("registry.resolve", func(_ context.Context, args map[string]any) (map[string]any, error) {
		resolves.Add(1)
		name, _ := args["name"].(string)
		url, ok := endpoints[name]
		if !ok {
			return nil, fmt.Errorf("butler %q: %w", name, fault.ErrNotFound)
		}
		return map[string]any{"name": name, "endpoint_url": url}, nil
	})
	return testButler(t, "switchboard", resolve), &resolves
}

func newTestClient(switchboardURL string) *Client {
	return NewClient(config.RPCConfig{
		SwitchboardURL:   switchboardURL,
		ResolveCacheTTLS: 60,
		TimeoutS:         5,
	})
}

func TestCallResolvesAndInvokes(t *testing.T) {
	var gotArgs map[string]any
	workerURL := testButler(t, "worker", tools.Func("task.run", func(_ context.Context, args map[string]any) (map[string]any, error) {
		gotArgs = args
		return map[string]any{"status": "done"}, nil
	}))
	sbURL, _ := testSwitchboard(t, map[string]string{"worker": workerURL})

	c := newTestClient(sbURL)
	result, err := c.Call(context.Background(), "worker", "task.run", map[string]any{"job": "sweep"})

	require.NoError(t, err)
	assert.Equal(t, "done", result["status"])
	assert.Equal(t, "sweep", gotArgs["job"])
}

func TestCallCachesResolutions(t *testing.T) {
	workerURL := testButler(t, "worker", tools.Func("ping", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	}))
	sbURL, resolves := testSwitchboard(t, map[string]string{"worker": workerURL})

	c := newTestClient(sbURL)
	for range 3 {
		_, err := c.Call(context.Background(), "worker", "ping", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), resolves.Load(), "repeat calls within the TTL must reuse the cached endpoint")
}

func TestCallReresolvesAfterTTL(t *testing.T) {
	workerURL := testButler(t, "worker", tools.Func("ping", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	}))
	sbURL, resolves := testSwitchboard(t, map[string]string{"worker": workerURL})

	c := newTestClient(sbURL)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Call(context.Background(), "worker", "ping", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), resolves.Load())

	now = now.Add(61 * time.Second)
	_, err = c.Call(context.Background(), "worker", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), resolves.Load(), "an expired entry must be re-resolved")
}

func TestCallDecodesErrorEnvelope(t *testing.T) {
	workerURL := testButler(t, "worker", tools.Func("schedule.show", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("task %q: %w", "nightly", fault.ErrNotFound)
	}))
	sbURL, _ := testSwitchboard(t, map[string]string{"worker": workerURL})

	c := newTestClient(sbURL)
	_, err := c.Call(context.Background(), "worker", "schedule.show", nil)

	require.Error(t, err)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "not_found", te.Class)
	assert.Contains(t, te.Message, "nightly")
	assert.ErrorIs(t, err, fault.ErrNotFound, "wire class must map back onto the local sentinel")
}

func TestCallTransportFailureIsButlerUnreachable(t *testing.T) {
	// Stand up a real listener, record its URL, then kill it.
	deadSrv := httptest.NewServer(NewServer("worker", tools.NewRegistry("worker"), nil, nil).echo)
	deadURL := deadSrv.URL
	deadSrv.Close()

	sbURL, resolves := testSwitchboard(t, map[string]string{"worker": deadURL})

	c := newTestClient(sbURL)
	_, err := c.Call(context.Background(), "worker", "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrButlerUnreachable)

	// The dead endpoint must drop out of the cache so the next call
	// re-resolves instead of pinning the failure for the whole TTL.
	_, _ = c.Call(context.Background(), "worker", "ping", nil)
	assert.Equal(t, int32(2), resolves.Load())
}

func TestCallResolveFailurePropagates(t *testing.T) {
	sbURL, _ := testSwitchboard(t, map[string]string{})

	c := newTestClient(sbURL)
	_, err := c.Call(context.Background(), "ghost", "ping", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCallResolveMissingEndpointURL(t *testing.T) {
	sbURL := testButler(t, "switchboard", tools.Func("registry.resolve", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"name": "worker"}, nil
	}))

	c := newTestClient(sbURL)
	_, err := c.Call(context.Background(), "worker", "ping", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrButlerUnreachable)
}

func TestCallInjectsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var gotTrace map[string]any
	workerURL := testButler(t, "worker", tools.Func("traced", func(_ context.Context, args map[string]any) (map[string]any, error) {
		gotTrace, _ = args["trace_context"].(map[string]any)
		return map[string]any{}, nil
	}))
	sbURL, _ := testSwitchboard(t, map[string]string{"worker": workerURL})

	ctx, span := tp.Tracer("test").Start(context.Background(), "caller")
	defer span.End()

	c := newTestClient(sbURL)
	_, err := c.Call(ctx, "worker", "traced", map[string]any{"k": "v"})

	require.NoError(t, err)
	require.NotNil(t, gotTrace, "an active span must travel as trace_context")
	traceparent, _ := gotTrace["traceparent"].(string)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestCallDoesNotMutateCallerArgs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTextMapPropagator(propagation.TraceContext{})

	workerURL := testButler(t, "worker", tools.Func("traced", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	sbURL, _ := testSwitchboard(t, map[string]string{"worker": workerURL})

	ctx, span := tp.Tracer("test").Start(context.Background(), "caller")
	defer span.End()

	args := map[string]any{"k": "v"}
	c := newTestClient(sbURL)
	_, err := c.Call(ctx, "worker", "traced", args)

	require.NoError(t, err)
	assert.NotContains(t, args, "trace_context")
}

func TestToolErrorUnwrapTable(t *testing.T) {
	tests := []struct {
		class    string
		sentinel error
	}{
		{class: fault.ClassValidation, sentinel: fault.ErrInvalidInput},
		{class: fault.ClassNotFound, sentinel: fault.ErrNotFound},
		{class: fault.ClassConflict, sentinel: fault.ErrCASConflict},
		{class: fault.ClassButlerUnreachable, sentinel: fault.ErrButlerUnreachable},
		{class: fault.ClassShuttingDown, sentinel: fault.ErrShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &ToolError{Class: tt.class, Message: "m"})
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	t.Run("unknown class unwraps to nothing", func(t *testing.T) {
		te := &ToolError{Class: "overload_rejected", Message: "m"}
		assert.Nil(t, errors.Unwrap(te))
		assert.True(t, HasClass(te, "overload_rejected"))
	})
}
