package butler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// testModule is a scriptable Module for lifecycle tests.
type testModule struct {
	name    string
	deps    []string
	schema  any
	onStart func(ctx context.Context, mc *ModuleContext) error
	onStop  func(ctx context.Context) error
	toolSet []tools.Tool
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Dependencies() []string { return m.deps }

func (m *testModule) ConfigSchema() any { return m.schema }

func (m *testModule) Tools() []tools.Tool { return m.toolSet }

func (m *testModule) OnStartup(ctx context.Context, mc *ModuleContext) error {
	if m.onStart != nil {
		return m.onStart(ctx, mc)
	}
	return nil
}

func (m *testModule) OnShutdown(ctx context.Context) error {
	if m.onStop != nil {
		return m.onStop(ctx)
	}
	return nil
}

// recordingModule appends lifecycle events to a shared slice.
func recordingModule(name string, deps []string, events *[]string) *testModule {
	return &testModule{
		name: name,
		deps: deps,
		onStart: func(context.Context, *ModuleContext) error {
			*events = append(*events, "start:"+name)
			return nil
		},
		onStop: func(context.Context) error {
			*events = append(*events, "stop:"+name)
			return nil
		},
	}
}

func newTestManager(t *testing.T, mods ...Module) *Manager {
	t.Helper()
	mgr := NewManager("edmund", nil, tools.NewRegistry("edmund"), metrics.New())
	require.NoError(t, mgr.Register(mods...))
	return mgr
}

func statusOf(t *testing.T, mgr *Manager, name string) ModuleStatus {
	t.Helper()
	for _, st := range mgr.Statuses() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no status for module %s", name)
	return ModuleStatus{}
}

func TestStartupOrdersByDependencies(t *testing.T) {
	var events []string
	mgr := newTestManager(t,
		recordingModule("calendar", []string{"notes", "weather"}, &events),
		recordingModule("weather", nil, &events),
		recordingModule("notes", []string{"weather"}, &events),
	)

	require.NoError(t, mgr.Startup(context.Background(), nil))

	assert.Equal(t, []string{"start:weather", "start:notes", "start:calendar"}, events)
	for _, name := range []string{"weather", "notes", "calendar"} {
		assert.Equal(t, StatusActive, statusOf(t, mgr, name).Status)
	}
}

func TestStartupOrderIsDeterministic(t *testing.T) {
	run := func() []string {
		var events []string
		mgr := newTestManager(t,
			recordingModule("zebra", nil, &events),
			recordingModule("apple", nil, &events),
			recordingModule("mango", nil, &events),
		)
		require.NoError(t, mgr.Startup(context.Background(), nil))
		return events
	}

	want := []string{"start:apple", "start:mango", "start:zebra"}
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, run())
	}
}

func TestStartupUnknownDependency(t *testing.T) {
	var events []string
	mgr := newTestManager(t,
		recordingModule("orphan", []string{"ghost"}, &events),
		recordingModule("healthy", nil, &events),
	)

	require.NoError(t, mgr.Startup(context.Background(), nil))

	st := statusOf(t, mgr, "orphan")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseConfig, st.Phase)
	assert.Contains(t, st.Error, `unknown dependency "ghost"`)
	assert.Equal(t, []string{"start:healthy"}, events, "orphan must never reach OnStartup")
	assert.Equal(t, StatusActive, statusOf(t, mgr, "healthy").Status)
}

func TestStartupDependencyCycle(t *testing.T) {
	var events []string
	mgr := newTestManager(t,
		recordingModule("alpha", []string{"beta"}, &events),
		recordingModule("beta", []string{"alpha"}, &events),
		recordingModule("gamma", []string{"alpha"}, &events),
		recordingModule("solo", nil, &events),
	)

	require.NoError(t, mgr.Startup(context.Background(), nil))

	for _, name := range []string{"alpha", "beta"} {
		st := statusOf(t, mgr, name)
		assert.Equal(t, StatusFailed, st.Status, name)
		assert.Equal(t, PhaseConfig, st.Phase, name)
		assert.Contains(t, st.Error, "dependency cycle", name)
	}
	gamma := statusOf(t, mgr, "gamma")
	assert.Equal(t, StatusCascadeFailed, gamma.Status)
	assert.Empty(t, gamma.Phase)

	assert.Equal(t, []string{"start:solo"}, events)
}

func TestStartupFailureCascades(t *testing.T) {
	var events []string
	broken := &testModule{
		name: "broken",
		onStart: func(context.Context, *ModuleContext) error {
			return errors.New("no database for you")
		},
	}
	mgr := newTestManager(t,
		broken,
		recordingModule("middle", []string{"broken"}, &events),
		recordingModule("leaf", []string{"middle"}, &events),
		recordingModule("bystander", nil, &events),
	)

	require.NoError(t, mgr.Startup(context.Background(), nil))

	st := statusOf(t, mgr, "broken")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseStartup, st.Phase)
	assert.Contains(t, st.Error, "no database for you")

	middle := statusOf(t, mgr, "middle")
	assert.Equal(t, StatusCascadeFailed, middle.Status)
	assert.Contains(t, middle.Error, "broken")

	leaf := statusOf(t, mgr, "leaf")
	assert.Equal(t, StatusCascadeFailed, leaf.Status)
	assert.Contains(t, leaf.Error, "middle")

	assert.Equal(t, []string{"start:bystander"}, events,
		"cascaded modules must never reach OnStartup")
}

func TestStartupPanicContained(t *testing.T) {
	panicky := &testModule{
		name: "panicky",
		onStart: func(context.Context, *ModuleContext) error {
			panic("nil map write")
		},
	}
	mgr := newTestManager(t, panicky, &testModule{name: "steady"})

	require.NoError(t, mgr.Startup(context.Background(), nil))

	st := statusOf(t, mgr, "panicky")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseStartup, st.Phase)
	assert.Contains(t, st.Error, "module panicked")
	assert.Contains(t, st.Error, "nil map write")
	assert.Equal(t, StatusActive, statusOf(t, mgr, "steady").Status)
}

type weatherConfig struct {
	APIKey   string `toml:"api_key"`
	Interval int    `toml:"interval_s"`
}

func TestStartupDecodesConfigSchema(t *testing.T) {
	var got any
	mod := &testModule{
		name:   "weather",
		schema: &weatherConfig{Interval: 300},
		onStart: func(_ context.Context, mc *ModuleContext) error {
			got = mc.Config
			return nil
		},
	}
	mgr := newTestManager(t, mod)

	decls := map[string]config.ModuleDecl{
		"weather": {Raw: map[string]any{"api_key": "wx-123"}},
	}
	require.NoError(t, mgr.Startup(context.Background(), decls))

	require.Equal(t, StatusActive, statusOf(t, mgr, "weather").Status)
	cfg, ok := got.(*weatherConfig)
	require.True(t, ok)
	assert.Equal(t, "wx-123", cfg.APIKey)
	assert.Equal(t, 300, cfg.Interval, "defaults survive when the table omits the field")
}

func TestStartupRejectsUnknownConfigField(t *testing.T) {
	var started bool
	mod := &testModule{
		name:   "weather",
		schema: &weatherConfig{},
		onStart: func(context.Context, *ModuleContext) error {
			started = true
			return nil
		},
	}
	mgr := newTestManager(t, mod, &testModule{name: "steady"})

	decls := map[string]config.ModuleDecl{
		"weather": {Raw: map[string]any{"api_key": "wx-123", "api_keey": "typo"}},
	}
	require.NoError(t, mgr.Startup(context.Background(), decls))

	st := statusOf(t, mgr, "weather")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseConfig, st.Phase)
	assert.False(t, started)
	assert.Equal(t, StatusActive, statusOf(t, mgr, "steady").Status,
		"one module's bad config must not take down the rest")
}

type guardedConfig struct {
	Token string `toml:"token"`
}

func (c *guardedConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

func TestStartupSchemaValidation(t *testing.T) {
	mgr := newTestManager(t, &testModule{name: "slack", schema: &guardedConfig{}})

	require.NoError(t, mgr.Startup(context.Background(), map[string]config.ModuleDecl{
		"slack": {Raw: map[string]any{}},
	}))

	st := statusOf(t, mgr, "slack")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseConfig, st.Phase)
	assert.Contains(t, st.Error, "token is required")
}

func TestStartupNilSchemaGetsRawTable(t *testing.T) {
	var got any
	mod := &testModule{
		name: "freeform",
		onStart: func(_ context.Context, mc *ModuleContext) error {
			got = mc.Config
			return nil
		},
	}
	mgr := newTestManager(t, mod)

	raw := map[string]any{"anything": "goes", "nested": map[string]any{"n": int64(1)}}
	require.NoError(t, mgr.Startup(context.Background(), map[string]config.ModuleDecl{
		"freeform": {Raw: raw},
	}))

	assert.Equal(t, raw, got)
}

func TestStartupNilSchemaMissingDecl(t *testing.T) {
	var got any
	mod := &testModule{
		name: "freeform",
		onStart: func(_ context.Context, mc *ModuleContext) error {
			got = mc.Config
			return nil
		},
	}
	mgr := newTestManager(t, mod)

	require.NoError(t, mgr.Startup(context.Background(), nil))

	assert.Equal(t, map[string]any{}, got, "missing table decodes to an empty map, not nil")
}

func TestStartupConfigDependsOnMerged(t *testing.T) {
	var events []string
	mgr := newTestManager(t,
		recordingModule("alpha", nil, &events),
		recordingModule("beta", nil, &events),
	)

	decls := map[string]config.ModuleDecl{
		"alpha": {DependsOn: []string{"beta"}},
	}
	require.NoError(t, mgr.Startup(context.Background(), decls))

	assert.Equal(t, []string{"start:beta", "start:alpha"}, events)
	assert.Equal(t, []string{"beta"}, statusOf(t, mgr, "alpha").DependsOn)
}

func TestStartupRegistersModuleTools(t *testing.T) {
	reg := tools.NewRegistry("edmund")
	mgr := NewManager("edmund", nil, reg, metrics.New())
	require.NoError(t, mgr.Register(&testModule{
		name: "notes",
		toolSet: []tools.Tool{
			tools.Func("notes.add", func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			}),
			// egress-shaped name: suppressed off the messenger, so the
			// module still comes up without it.
			tools.Func("user_signal_send_message", func(context.Context, map[string]any) (map[string]any, error) {
				return nil, nil
			}),
		},
	}))

	require.NoError(t, mgr.Startup(context.Background(), nil))

	assert.Equal(t, StatusActive, statusOf(t, mgr, "notes").Status)
	assert.True(t, reg.Has("notes.add"))
	assert.False(t, reg.Has("user_signal_send_message"))
}

func TestStartupToolConflictFailsModule(t *testing.T) {
	reg := tools.NewRegistry("edmund")
	require.NoError(t, reg.Register(tools.Func("notes.add",
		func(context.Context, map[string]any) (map[string]any, error) { return nil, nil })))

	mgr := NewManager("edmund", nil, reg, metrics.New())
	require.NoError(t, mgr.Register(&testModule{
		name: "notes",
		toolSet: []tools.Tool{
			tools.Func("notes.add", func(context.Context, map[string]any) (map[string]any, error) {
				return nil, nil
			}),
		},
	}))

	require.NoError(t, mgr.Startup(context.Background(), nil))

	st := statusOf(t, mgr, "notes")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseStartup, st.Phase)
	assert.Contains(t, st.Error, "register tools")
}

func TestShutdownReverseOrderSkipsFailed(t *testing.T) {
	var events []string
	broken := &testModule{
		name: "broken",
		onStart: func(context.Context, *ModuleContext) error {
			return errors.New("boom")
		},
		onStop: func(context.Context) error {
			events = append(events, "stop:broken")
			return nil
		},
	}
	mgr := newTestManager(t,
		recordingModule("first", nil, &events),
		recordingModule("second", []string{"first"}, &events),
		broken,
	)

	require.NoError(t, mgr.Startup(context.Background(), nil))
	events = nil

	mgr.Shutdown(context.Background())

	assert.Equal(t, []string{"stop:second", "stop:first"}, events,
		"failed modules never see OnShutdown")
}

func TestShutdownPanicContained(t *testing.T) {
	var events []string
	panicky := &testModule{
		name: "panicky",
		onStop: func(context.Context) error {
			panic("double close")
		},
	}
	mgr := newTestManager(t, panicky, recordingModule("steady", []string{"panicky"}, &events))

	require.NoError(t, mgr.Startup(context.Background(), nil))
	events = nil

	mgr.Shutdown(context.Background())

	assert.Equal(t, []string{"stop:steady"}, events)
}

func TestShutdownTwiceStopsOnce(t *testing.T) {
	var events []string
	mgr := newTestManager(t, recordingModule("once", nil, &events))

	require.NoError(t, mgr.Startup(context.Background(), nil))
	events = nil

	mgr.Shutdown(context.Background())
	mgr.Shutdown(context.Background())

	assert.Equal(t, []string{"stop:once"}, events)
}

func TestRegisterDuplicateModule(t *testing.T) {
	mgr := newTestManager(t, &testModule{name: "notes"})

	err := mgr.Register(&testModule{name: "notes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrAlreadyExists)
}

func TestRegisterAfterStartup(t *testing.T) {
	mgr := newTestManager(t, &testModule{name: "notes"})
	require.NoError(t, mgr.Startup(context.Background(), nil))

	err := mgr.Register(&testModule{name: "late"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestStartupTwice(t *testing.T) {
	mgr := newTestManager(t, &testModule{name: "notes"})
	require.NoError(t, mgr.Startup(context.Background(), nil))

	err := mgr.Startup(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestStatusesSorted(t *testing.T) {
	mgr := newTestManager(t,
		&testModule{name: "zebra"},
		&testModule{name: "apple", deps: []string{"zebra"}},
	)
	require.NoError(t, mgr.Startup(context.Background(), nil))

	statuses := mgr.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "apple", statuses[0].Name)
	assert.Equal(t, "zebra", statuses[1].Name)

	statuses[0].DependsOn[0] = "mutated"
	assert.Equal(t, []string{"zebra"}, statusOf(t, mgr, "apple").DependsOn,
		"Statuses must hand out copies")
}

func TestHealthCheck(t *testing.T) {
	broken := &testModule{
		name: "broken",
		onStart: func(context.Context, *ModuleContext) error {
			return errors.New("boom")
		},
	}
	mgr := newTestManager(t, &testModule{name: "fine"}, broken)
	require.NoError(t, mgr.Startup(context.Background(), nil))

	err := mgr.HealthCheck()(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	healthy := newTestManager(t, &testModule{name: "fine"})
	require.NoError(t, healthy.Startup(context.Background(), nil))
	assert.NoError(t, healthy.HealthCheck()(context.Background()))
}

func TestModulesTool(t *testing.T) {
	broken := &testModule{
		name: "broken",
		onStart: func(context.Context, *ModuleContext) error {
			return errors.New("boom")
		},
	}
	mgr := newTestManager(t, &testModule{name: "fine", deps: nil}, broken)
	require.NoError(t, mgr.Startup(context.Background(), nil))

	tool := mgr.Tool()
	assert.Equal(t, "butler.modules", tool.Name())

	out, err := tool.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])

	entries, ok := out["modules"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, "broken", entries[0]["name"])
	assert.Equal(t, StatusFailed, entries[0]["status"])
	assert.Equal(t, PhaseStartup, entries[0]["phase"])
	assert.Contains(t, entries[0]["error"], "boom")
	assert.Equal(t, "fine", entries[1]["name"])
	assert.Equal(t, StatusActive, entries[1]["status"])
}
