// Package config loads and validates butler.toml: daemon identity, section
// tuning knobs, declared schedules, and free-form module tables. Environment
// variables expand with the {{.VAR}} template scheme before parsing.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// Config is the umbrella configuration object returned by Initialize and
// threaded through the daemon.
type Config struct {
	path string

	Butler    ButlerConfig
	DB        DBOverrides
	Shutdown  *ShutdownConfig
	Spawner   *SpawnerConfig
	Buffer    *BufferConfig
	Scheduler *SchedulerConfig
	Approval  *ApprovalConfig
	Delivery  *DeliveryConfig
	RateLimit *RateLimitConfig
	RPC       *RPCConfig
	Telemetry *TelemetryConfig
	Retention *RetentionConfig

	// Schedules are the [[butler.schedule]] declarations, synced to the
	// scheduled_tasks table at startup.
	Schedules []ScheduleDecl

	// Modules holds the [modules.<name>] tables keyed by module name.
	Modules map[string]ModuleDecl
}

// Path returns the configuration file path.
func (c *Config) Path() string {
	return c.path
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Schedules int
	Modules   int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	return Stats{
		Schedules: len(c.Schedules),
		Modules:   len(c.Modules),
	}
}

// fileConfig mirrors the butler.toml file structure.
type fileConfig struct {
	Butler  butlerTable               `toml:"butler"`
	Modules map[string]map[string]any `toml:"modules"`
}

type butlerTable struct {
	Name         string `toml:"name"`
	Port         int    `toml:"port"`
	Description  string `toml:"description"`
	AdvertiseURL string `toml:"advertise_url"`

	DB        *DBOverrides     `toml:"db"`
	Shutdown  *ShutdownConfig  `toml:"shutdown"`
	Spawner   *SpawnerConfig   `toml:"spawner"`
	Buffer    *BufferConfig    `toml:"buffer"`
	Scheduler *SchedulerConfig `toml:"scheduler"`
	Approval  *ApprovalConfig  `toml:"approval"`
	Delivery  *DeliveryConfig  `toml:"delivery"`
	RateLimit *RateLimitConfig `toml:"ratelimit"`
	RPC       *RPCConfig       `toml:"rpc"`
	Telemetry *TelemetryConfig `toml:"telemetry"`
	Retention *RetentionConfig `toml:"retention"`

	Schedule []ScheduleDecl `toml:"schedule"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read butler.toml from path
//  2. Expand environment variables ({{.VAR}})
//  3. Parse TOML into structs
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"butler", cfg.Butler.Name,
		"schedules", stats.Schedules,
		"modules", stats.Modules)

	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidTOML, err))
	}

	cfg := &Config{
		path: path,
		Butler: ButlerConfig{
			Name:         file.Butler.Name,
			Port:         file.Butler.Port,
			Description:  file.Butler.Description,
			AdvertiseURL: file.Butler.AdvertiseURL,
		},
		Schedules: file.Butler.Schedule,
	}
	if cfg.Butler.Port == 0 {
		cfg.Butler.Port = DefaultPort
	}
	if file.Butler.DB != nil {
		cfg.DB = *file.Butler.DB
	}

	// Resolve each tuning section: start from defaults, then merge user
	// values on top (non-zero values override).
	cfg.Shutdown = DefaultShutdownConfig()
	cfg.Spawner = DefaultSpawnerConfig()
	cfg.Buffer = DefaultBufferConfig()
	cfg.Scheduler = DefaultSchedulerConfig()
	cfg.Approval = DefaultApprovalConfig()
	cfg.Delivery = DefaultDeliveryConfig()
	cfg.RateLimit = DefaultRateLimitConfig()
	cfg.RPC = DefaultRPCConfig()
	cfg.Telemetry = DefaultTelemetryConfig()
	cfg.Retention = DefaultRetentionConfig()

	if err := errors.Join(
		mergeSection("shutdown", cfg.Shutdown, file.Butler.Shutdown),
		mergeSection("spawner", cfg.Spawner, file.Butler.Spawner),
		mergeSection("buffer", cfg.Buffer, file.Butler.Buffer),
		mergeSection("scheduler", cfg.Scheduler, file.Butler.Scheduler),
		mergeSection("approval", cfg.Approval, file.Butler.Approval),
		mergeSection("delivery", cfg.Delivery, file.Butler.Delivery),
		mergeSection("ratelimit", cfg.RateLimit, file.Butler.RateLimit),
		mergeSection("rpc", cfg.RPC, file.Butler.RPC),
		mergeSection("telemetry", cfg.Telemetry, file.Butler.Telemetry),
		mergeSection("retention", cfg.Retention, file.Butler.Retention),
	); err != nil {
		return nil, err
	}

	// Telemetry enabled is a bool the zero-skipping merge cannot carry.
	if file.Butler.Telemetry != nil {
		cfg.Telemetry.Enabled = file.Butler.Telemetry.Enabled
	}

	// Stuck-processing recovery defaults to five times the accepted-row
	// grace unless set explicitly.
	if cfg.Buffer.ProcessingGraceS == 0 {
		cfg.Buffer.ProcessingGraceS = 5 * cfg.Buffer.ScannerGraceS
	}

	modules, err := resolveModules(file.Modules)
	if err != nil {
		return nil, err
	}
	cfg.Modules = modules

	return cfg, nil
}

// mergeSection merges user-provided section values into the defaults.
// A nil src leaves the defaults untouched.
func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// resolveModules splits each [modules.<name>] table into the depends_on list
// and the remaining raw keys. Structurally malformed depends_on fails the
// load; schema mismatches against the module's own config schema are the
// lifecycle's per-module concern, not ours.
func resolveModules(raw map[string]map[string]any) (map[string]ModuleDecl, error) {
	modules := make(map[string]ModuleDecl, len(raw))
	for name, table := range raw {
		decl := ModuleDecl{Raw: make(map[string]any, len(table))}
		for key, value := range table {
			if key != "depends_on" {
				decl.Raw[key] = value
				continue
			}
			list, ok := value.([]any)
			if !ok {
				return nil, NewValidationError("module", name, "depends_on",
					fmt.Errorf("%w: expected array of strings, got %T", ErrInvalidValue, value))
			}
			for _, item := range list {
				dep, ok := item.(string)
				if !ok {
					return nil, NewValidationError("module", name, "depends_on",
						fmt.Errorf("%w: expected string entries, got %T", ErrInvalidValue, item))
				}
				decl.DependsOn = append(decl.DependsOn, dep)
			}
		}
		modules[name] = decl
	}
	return modules, nil
}

// StrictDecode decodes a raw module table into the module's config schema,
// rejecting unknown fields. Used by the module lifecycle for schema-declared
// modules; modules without a schema receive the raw map unchanged.
func StrictDecode(raw map[string]any, target any) error {
	data, err := toml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encode module config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: unknown fields:\n%s", ErrInvalidValue, strict.String())
		}
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}
