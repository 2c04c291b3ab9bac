package butler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/messenger"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// StatusRegistered is the transient state between Register and Startup.
const StatusRegistered = "registered"

// Manager owns the registered modules of one butler and walks them through
// startup and shutdown. A module failure is contained: the module is marked
// failed, its dependents cascade, and the rest of the process keeps going.
type Manager struct {
	butlerName string
	db         *postgres.Client
	registry   *tools.Registry
	metrics    *metrics.Metrics
	messenger  *messenger.Messenger
	logger     *slog.Logger

	mu       sync.Mutex
	modules  map[string]Module
	statuses map[string]*ModuleStatus
	active   []Module
	started  bool
}

// NewManager creates a module manager. db, registry and metrics are handed
// to modules through the ModuleContext and may be nil when the hosting
// process does not carry them.
func NewManager(butlerName string, db *postgres.Client, registry *tools.Registry, m *metrics.Metrics) *Manager {
	return &Manager{
		butlerName: butlerName,
		db:         db,
		registry:   registry,
		metrics:    m,
		logger:     slog.Default().With("component", "modules"),
		modules:    make(map[string]Module),
		statuses:   make(map[string]*ModuleStatus),
	}
}

// SetMessenger makes the messenger assembly available to modules through
// the ModuleContext. Only the messenger daemon calls this.
func (m *Manager) SetMessenger(msgr *messenger.Messenger) {
	m.messenger = msgr
}

// Register adds modules to the manager. It must be called before Startup.
func (m *Manager) Register(mods ...Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("register module: manager already started: %w", fault.ErrInvalidInput)
	}
	for _, mod := range mods {
		name := mod.Name()
		if name == "" {
			return fmt.Errorf("register module: %w", fault.NewValidationError("name", "required"))
		}
		if _, ok := m.modules[name]; ok {
			return fmt.Errorf("module %s: %w", name, fault.ErrAlreadyExists)
		}
		m.modules[name] = mod
		m.statuses[name] = &ModuleStatus{
			Name:      name,
			Status:    StatusRegistered,
			DependsOn: append([]string(nil), mod.Dependencies()...),
		}
	}
	return nil
}

// Startup brings every registered module up in dependency order. Individual
// module failures never abort the sequence; they are recorded and cascade to
// dependents. The returned error covers manager misuse only.
func (m *Manager) Startup(ctx context.Context, decls map[string]config.ModuleDecl) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("module startup: manager already started: %w", fault.ErrInvalidInput)
	}
	m.started = true

	for name := range decls {
		if _, ok := m.modules[name]; !ok {
			m.logger.Warn("Config declares an unregistered module", "module", name)
		}
	}

	deps := m.effectiveDeps(decls)
	for name, st := range m.statuses {
		st.DependsOn = deps[name]
		for _, dep := range deps[name] {
			if _, ok := m.modules[dep]; !ok {
				m.fail(name, PhaseConfig, fmt.Errorf("unknown dependency %q", dep))
			}
		}
	}

	order, blocked := m.sortModules(deps)
	blockedNames := make([]string, 0, len(blocked))
	for name := range blocked {
		blockedNames = append(blockedNames, name)
	}
	sort.Strings(blockedNames)
	for _, name := range blockedNames {
		if m.statuses[name].Status != StatusRegistered {
			continue
		}
		if reachesSelf(name, deps, blocked) {
			m.fail(name, PhaseConfig, fmt.Errorf("dependency cycle through %q", name))
		} else {
			m.cascade(name, "dependency cycle upstream")
		}
	}

	for _, name := range order {
		st := m.statuses[name]
		if st.Status != StatusRegistered {
			continue
		}
		if dep, ok := m.inactiveDep(deps[name]); ok {
			m.cascade(name, fmt.Sprintf("dependency %s is not active", dep))
			continue
		}
		m.startModule(ctx, name, decls[name])
	}

	m.logger.Info("Module startup complete",
		"total", len(m.modules),
		"active", len(m.active))
	return nil
}

// effectiveDeps merges each module's declared dependencies with any extra
// depends_on entries from its config table.
func (m *Manager) effectiveDeps(decls map[string]config.ModuleDecl) map[string][]string {
	deps := make(map[string][]string, len(m.modules))
	for name, mod := range m.modules {
		merged := append([]string(nil), mod.Dependencies()...)
		seen := make(map[string]bool, len(merged))
		for _, dep := range merged {
			seen[dep] = true
		}
		for _, dep := range decls[name].DependsOn {
			if !seen[dep] {
				merged = append(merged, dep)
				seen[dep] = true
			}
		}
		deps[name] = merged
	}
	return deps
}

// sortModules returns a deterministic topological order (lexicographically
// smallest ready module first) plus the set left unordered by a cycle.
// Modules with unknown dependencies still appear in order; the startup loop
// skips them by status.
func (m *Manager) sortModules(deps map[string][]string) ([]string, map[string]bool) {
	indegree := make(map[string]int, len(m.modules))
	dependents := make(map[string][]string, len(m.modules))
	for name := range m.modules {
		indegree[name] = 0
	}
	for name, moduleDeps := range deps {
		for _, dep := range moduleDeps {
			if _, ok := m.modules[dep]; !ok {
				continue
			}
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
	}

	var frontier []string
	for name, n := range indegree {
		if n == 0 {
			frontier = append(frontier, name)
		}
	}

	order := make([]string, 0, len(m.modules))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	blocked := make(map[string]bool)
	if len(order) < len(m.modules) {
		ordered := make(map[string]bool, len(order))
		for _, name := range order {
			ordered[name] = true
		}
		for name := range m.modules {
			if !ordered[name] {
				blocked[name] = true
			}
		}
	}
	return order, blocked
}

// reachesSelf reports whether start can reach itself following dependency
// edges restricted to the blocked set, i.e. whether it sits on a cycle
// rather than merely downstream of one.
func reachesSelf(start string, deps map[string][]string, blocked map[string]bool) bool {
	seen := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		for _, dep := range deps[name] {
			if !blocked[dep] {
				continue
			}
			if dep == start {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				if walk(dep) {
					return true
				}
			}
		}
		return false
	}
	return walk(start)
}

func (m *Manager) inactiveDep(deps []string) (string, bool) {
	for _, dep := range deps {
		st, ok := m.statuses[dep]
		if !ok || st.Status != StatusActive {
			return dep, true
		}
	}
	return "", false
}

// startModule runs the config and startup phases for one module. Callers
// have already established that every dependency is active.
func (m *Manager) startModule(ctx context.Context, name string, decl config.ModuleDecl) {
	mod := m.modules[name]

	cfg, err := decodeModuleConfig(mod, decl)
	if err != nil {
		m.fail(name, PhaseConfig, err)
		return
	}

	mc := &ModuleContext{
		ButlerName: m.butlerName,
		DB:         m.db,
		Registry:   m.registry,
		Metrics:    m.metrics,
		Config:     cfg,
		Messenger:  m.messenger,
	}
	if err := runStartup(ctx, mod, mc); err != nil {
		m.fail(name, PhaseStartup, err)
		return
	}
	if m.registry != nil {
		if err := m.registry.RegisterAll(mod.Tools()...); err != nil {
			m.fail(name, PhaseStartup, fmt.Errorf("register tools: %w", err))
			return
		}
	}

	m.statuses[name].Status = StatusActive
	m.active = append(m.active, mod)
	m.logger.Info("Module started", "module", name)
}

// decodeModuleConfig produces the Config value for the module context: the
// module's schema strictly decoded from its config table, or the raw table
// itself when no schema is declared.
func decodeModuleConfig(mod Module, decl config.ModuleDecl) (any, error) {
	schema := mod.ConfigSchema()
	if schema == nil {
		raw := decl.Raw
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}
	if err := config.StrictDecode(decl.Raw, schema); err != nil {
		return nil, err
	}
	if v, ok := schema.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", config.ErrInvalidValue, err.Error())
		}
	}
	return schema, nil
}

// runStartup invokes OnStartup with panic containment so one broken module
// cannot take the process down.
func runStartup(ctx context.Context, mod Module, mc *ModuleContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return mod.OnStartup(ctx, mc)
}

func (m *Manager) fail(name, phase string, err error) {
	st := m.statuses[name]
	if st.Status == StatusFailed {
		return
	}
	st.Status = StatusFailed
	st.Phase = phase
	st.Error = err.Error()
	m.logger.Error("Module failed", "module", name, "phase", phase, "error", err)
}

func (m *Manager) cascade(name, reason string) {
	st := m.statuses[name]
	st.Status = StatusCascadeFailed
	st.Error = reason
	m.logger.Warn("Module cascade-failed", "module", name, "reason", reason)
}

// Shutdown stops active modules in reverse startup order. Modules that
// never started are skipped. Errors and panics are logged and do not stop
// the sequence.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := append([]Module(nil), m.active...)
	m.active = nil
	m.mu.Unlock()

	for i := len(active) - 1; i >= 0; i-- {
		mod := active[i]
		if err := runShutdown(ctx, mod); err != nil {
			m.logger.Warn("Module shutdown failed", "module", mod.Name(), "error", err)
			continue
		}
		m.logger.Info("Module stopped", "module", mod.Name())
	}
}

func runShutdown(ctx context.Context, mod Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return mod.OnShutdown(ctx)
}

// Statuses returns a name-sorted snapshot of every registered module.
func (m *Manager) Statuses() []ModuleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ModuleStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		copied := *st
		copied.DependsOn = append([]string(nil), st.DependsOn...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthCheck returns a check suitable for the RPC server's health
// endpoint: it degrades when any module failed to start.
func (m *Manager) HealthCheck() func(context.Context) error {
	return func(context.Context) error {
		var failed []string
		for _, st := range m.Statuses() {
			if st.Status == StatusFailed || st.Status == StatusCascadeFailed {
				failed = append(failed, st.Name)
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("modules not active: %v", failed)
		}
		return nil
	}
}

// Tool exposes module statuses to the LLM as butler.modules.
func (m *Manager) Tool() tools.Tool {
	return tools.Func("butler.modules", func(context.Context, map[string]any) (map[string]any, error) {
		statuses := m.Statuses()
		rendered := make([]map[string]any, 0, len(statuses))
		for _, st := range statuses {
			entry := map[string]any{
				"name":   st.Name,
				"status": st.Status,
			}
			if st.Phase != "" {
				entry["phase"] = st.Phase
			}
			if st.Error != "" {
				entry["error"] = st.Error
			}
			if len(st.DependsOn) > 0 {
				entry["depends_on"] = st.DependsOn
			}
			rendered = append(rendered, entry)
		}
		return map[string]any{
			"modules": rendered,
			"count":   len(rendered),
		}, nil
	})
}
