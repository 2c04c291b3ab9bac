// Package butler assembles one butler process: a set of feature modules
// started in dependency order, the background runners that keep the
// process alive, and a single strictly ordered shutdown path.
package butler

import (
	"context"

	"github.com/butler-platform/butlerd/pkg/messenger"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// Module is a self-contained feature unit hosted by the daemon. Modules
// declare the other modules they need, receive their decoded config slice
// at startup, and surface tools for the LLM once active.
type Module interface {
	// Name identifies the module. It must match the [modules.<name>]
	// table in the butler's config file.
	Name() string

	// Dependencies lists module names that must be active before this
	// module starts. Order among them does not matter.
	Dependencies() []string

	// ConfigSchema returns a pointer to the struct the module's config
	// table is decoded into, or nil to receive the raw table unchanged.
	ConfigSchema() any

	// OnStartup initializes the module. A returned error (or a panic)
	// marks the module failed and cascades to its dependents.
	OnStartup(ctx context.Context, mc *ModuleContext) error

	// OnShutdown releases module resources. Called in reverse startup
	// order, and only for modules that actually started.
	OnShutdown(ctx context.Context) error

	// Tools returns the tools the module contributes. They are
	// registered through the butler's registry, so channel egress
	// ownership rules still apply.
	Tools() []tools.Tool
}

// ModuleContext carries the shared process dependencies a module may need
// during OnStartup. Config holds the decoded ConfigSchema value, or the raw
// config table when the module declared no schema.
type ModuleContext struct {
	ButlerName string
	DB         *postgres.Client
	Registry   *tools.Registry
	Metrics    *metrics.Metrics
	Config     any

	// Messenger is set only on the messenger daemon. Channel provider
	// modules use it to register their transport.
	Messenger *messenger.Messenger
}

// Validator is implemented by config schemas that enforce constraints
// beyond field types, such as required values.
type Validator interface {
	Validate() error
}

// Module lifecycle states.
const (
	StatusActive        = "active"
	StatusFailed        = "failed"
	StatusCascadeFailed = "cascade_failed"
)

// Phases a module can fail in.
const (
	PhaseConfig  = "config"
	PhaseStartup = "startup"
)

// ModuleStatus is the externally visible state of one registered module.
type ModuleStatus struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Phase     string   `json:"phase,omitempty"`
	Error     string   `json:"error,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}
