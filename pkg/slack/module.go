package slack

import (
	"context"
	"fmt"

	"github.com/butler-platform/butlerd/pkg/butler"
	"github.com/butler-platform/butlerd/pkg/tools"
)

// ModuleConfig is the [modules.slack] table.
type ModuleConfig struct {
	// Token is the bot token used for chat.postMessage.
	Token string `toml:"token"`
	// APIURL overrides the Slack API base URL; self-hosted proxies and
	// tests use it. Must end with a trailing slash.
	APIURL string `toml:"api_url"`
}

// Validate enforces the required fields at module config time.
func (c *ModuleConfig) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// Module registers Slack as a delivery channel on the messenger daemon.
type Module struct{}

// NewModule creates the slack channel module.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) Name() string { return "slack" }

func (m *Module) Dependencies() []string { return nil }

func (m *Module) ConfigSchema() any { return &ModuleConfig{} }

// OnStartup builds the provider and hangs it on the messenger's delivery
// pipeline. Hosting the module anywhere but the messenger is a config
// mistake and fails startup.
func (m *Module) OnStartup(_ context.Context, mc *butler.ModuleContext) error {
	if mc.Messenger == nil {
		return fmt.Errorf("slack module requires the messenger daemon, got %q", mc.ButlerName)
	}
	cfg, ok := mc.Config.(*ModuleConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", mc.Config)
	}

	client := NewClient(cfg.Token)
	if cfg.APIURL != "" {
		client = NewClientWithAPIURL(cfg.Token, cfg.APIURL)
	}
	if err := mc.Messenger.RegisterChannel(mc.Registry, "slack", NewProviderWithClient(client)); err != nil {
		return fmt.Errorf("register slack channel: %w", err)
	}
	return nil
}

func (m *Module) OnShutdown(context.Context) error { return nil }

// Tools returns nil; the egress tools are installed by RegisterChannel.
func (m *Module) Tools() []tools.Tool { return nil }
