package butler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/butler-platform/butlerd/pkg/approval"
	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/messenger"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/ratelimit"
	"github.com/butler-platform/butlerd/pkg/retention"
	"github.com/butler-platform/butlerd/pkg/routing"
	"github.com/butler-platform/butlerd/pkg/rpc"
	"github.com/butler-platform/butlerd/pkg/scheduler"
	"github.com/butler-platform/butlerd/pkg/spawner"
	"github.com/butler-platform/butlerd/pkg/switchboard"
	"github.com/butler-platform/butlerd/pkg/telemetry"
	"github.com/butler-platform/butlerd/pkg/tools"
	"github.com/butler-platform/butlerd/pkg/version"
)

const (
	routerDrainTimeout     = 10 * time.Second
	telemetryCloseTimeout  = 5 * time.Second
	switchboardDrainFactor = 2
)

// RunOptions adjusts the daemon assembly for the hosting command.
type RunOptions struct {
	// ConfigPath locates butler.toml.
	ConfigPath string

	// SDK overrides the session adapter. Nil builds the subprocess
	// adapter from [butler.spawner] command.
	SDK spawner.SDKQuery

	// Modules are always registered.
	Modules []Module

	// OptionalModules register only when the config declares their
	// [modules.<name>] table. Built-in channel providers ride here.
	OptionalModules []Module
}

// Run assembles and serves the daemon described by the config file until
// ctx is cancelled or the listener fails. Configuration and database
// errors return before anything is started.
func Run(ctx context.Context, opts RunOptions) error {
	logger := slog.Default()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := cfg.Butler.Name
	logger.Info("1. Configuration loaded",
		"butler", name, "port", cfg.Butler.Port, "version", version.Full())

	// 2. Database pool + migrations
	dbCfg, err := postgres.LoadConfigFromEnv(name)
	if err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	applyDBOverrides(&dbCfg, cfg.DB)
	db, err := postgres.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	logger.Info("2. Database ready", "database", dbCfg.Database)

	// 3. Telemetry
	tcfg := telemetry.Config{ServiceName: "butlerd-" + name}
	if cfg.Telemetry.Enabled {
		tcfg.Endpoint = cfg.Telemetry.OTLPEndpoint
		tcfg.Insecure = cfg.Telemetry.Insecure
	}
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		db.Close()
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger.Info("3. Telemetry initialized", "export", tcfg.Endpoint != "")

	// 4. Core services: spawner, router, scheduler, approvals
	m := metrics.New()
	reg := tools.NewRegistry(name)

	sdk := opts.SDK
	if sdk == nil {
		cli, err := spawner.NewCLI(cfg.Spawner.Command)
		if err != nil {
			db.Close()
			return fmt.Errorf("session adapter: %w", err)
		}
		sdk = cli
	}
	spawn := spawner.New(*cfg.Spawner, sdk, db, m)
	router := routing.New(db, spawn, m)

	sched := scheduler.NewService(db)
	syncStats, err := sched.Sync(ctx, cfg.Schedules)
	if err != nil {
		db.Close()
		return fmt.Errorf("sync declared schedules: %w", err)
	}
	appr := approval.NewService(db, m)
	exec := approval.NewExecutor(db, m)
	logger.Info("4. Core services ready",
		"schedules_created", syncStats.Created,
		"schedules_updated", syncStats.Updated,
		"schedules_disabled", syncStats.Disabled)

	// 5. Shared tool surface
	if err := reg.RegisterAll(router.Tool()); err != nil {
		db.Close()
		return fmt.Errorf("register route tool: %w", err)
	}
	if err := scheduler.RegisterTools(reg, sched); err != nil {
		db.Close()
		return fmt.Errorf("register scheduler tools: %w", err)
	}
	if err := approval.RegisterTools(reg, appr, exec, reg); err != nil {
		db.Close()
		return fmt.Errorf("register approval tools: %w", err)
	}

	// 6. Daemon skeleton + background runners
	mgr := NewManager(name, db, reg, m)
	if err := mgr.Register(opts.Modules...); err != nil {
		db.Close()
		return fmt.Errorf("register modules: %w", err)
	}
	for _, mod := range opts.OptionalModules {
		if _, declared := cfg.Modules[mod.Name()]; !declared {
			continue
		}
		if err := mgr.Register(mod); err != nil {
			db.Close()
			return fmt.Errorf("register module %s: %w", mod.Name(), err)
		}
	}
	d := NewDaemon(name, mgr)
	d.SetSpawner(spawn)
	d.SetPool(db)
	if cfg.Shutdown.TimeoutS > 0 {
		d.SetShutdownTimeout(time.Duration(cfg.Shutdown.TimeoutS) * time.Second)
	}

	d.AddRunner("router", func(context.Context) {}, func() { router.Stop(routerDrainTimeout) })

	dispatch := newDispatch(reg, spawn)
	schedRunner := scheduler.NewRunner(sched, dispatch,
		time.Duration(cfg.Scheduler.TickIntervalS)*time.Second)
	d.AddRunner("scheduler", schedRunner.Start, schedRunner.Stop)

	apprRunner := approval.NewRunner(appr, time.Duration(cfg.Approval.ExpiryIntervalS)*time.Second)
	d.AddRunner("approval-expiry", apprRunner.Start, apprRunner.Stop)

	sweeper := retention.New(db, *cfg.Retention, m)
	d.AddRunner("retention", sweeper.Start, sweeper.Stop)

	// 7. Role assembly: the messenger carries delivery, the switchboard
	// carries ingest; everyone else is a specialist.
	client := rpc.NewClient(*cfg.RPC)
	advertise := cfg.Butler.AdvertiseURL
	if advertise == "" {
		advertise = fmt.Sprintf("http://localhost:%d", cfg.Butler.Port)
	}

	switch name {
	case tools.MessengerButler:
		limiter := ratelimit.New(*cfg.RateLimit, m)
		msgr := messenger.New(db, *cfg.Delivery, limiter, m)
		msgr.Attach(router)
		if err := msgr.RegisterTools(reg); err != nil {
			db.Close()
			return fmt.Errorf("register delivery tools: %w", err)
		}
		mgr.SetMessenger(msgr)
		d.AddRunner("delivery-worker", func(runCtx context.Context) {
			if err := msgr.Start(runCtx); err != nil {
				logger.Error("Delivery pipeline start failed", "error", err)
			}
		}, msgr.Stop)
		logger.Info("5. Messenger assembly ready", "workers", cfg.Delivery.Workers)

	case tools.SwitchboardButler:
		sb := switchboard.New(*cfg.Buffer, db, router, spawn, client, m)
		if err := switchboard.RegisterTools(reg, sb); err != nil {
			db.Close()
			return fmt.Errorf("register switchboard tools: %w", err)
		}
		if _, err := sb.Registry.RegisterPeer(ctx, switchboard.Peer{
			Name:        name,
			EndpointURL: advertise,
			Description: cfg.Butler.Description,
			Modules:     reg.Names(),
		}); err != nil {
			logger.Warn("Self-registration failed", "error", err)
		}
		drain := time.Duration(cfg.Buffer.ScannerIntervalS*switchboardDrainFactor) * time.Second
		d.AddRunner("ingest-buffer", func(runCtx context.Context) {
			if err := sb.Start(runCtx); err != nil {
				logger.Error("Switchboard start failed", "error", err)
			}
		}, func() { sb.Stop(drain) })
		logger.Info("5. Switchboard assembly ready",
			"queue_capacity", cfg.Buffer.QueueCapacity, "workers", cfg.Buffer.Workers)

	default:
		announcer := NewAnnouncer(client, name, advertise, cfg.Butler.Description, reg.Names())
		d.AddRunner("announcer", announcer.Start, announcer.Stop)
		logger.Info("5. Specialist assembly ready")
	}

	if err := reg.RegisterAll(mgr.Tool()); err != nil {
		db.Close()
		return fmt.Errorf("register modules tool: %w", err)
	}

	// 8. Module startup (failures are contained per module)
	if err := d.Start(ctx, cfg.Modules); err != nil {
		db.Close()
		return fmt.Errorf("start daemon: %w", err)
	}
	logger.Info("6. Modules started", "statuses", summarizeStatuses(mgr.Statuses()))

	// 9. RPC server
	server := rpc.NewServer(name, reg, db, m)
	server.AddHealthCheck("modules", mgr.HealthCheck())
	d.SetServer(server)

	addr := fmt.Sprintf(":%d", cfg.Butler.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()
	logger.Info("7. Serving", "addr", addr, "tools", reg.Len())

	// 10. Wait, then unwind in shutdown order
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			runErr = fmt.Errorf("serve rpc: %w", err)
		}
	}

	d.Stop()

	telCtx, cancel := context.WithTimeout(context.Background(), telemetryCloseTimeout)
	if err := tel.Shutdown(telCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	cancel()

	return runErr
}

// applyDBOverrides layers the non-zero [butler.db] fields over the
// environment-derived database config.
func applyDBOverrides(cfg *postgres.Config, o config.DBOverrides) {
	if o.Name != "" {
		cfg.Database = o.Name
	}
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.User != "" {
		cfg.User = o.User
	}
	if o.Password != "" {
		cfg.Password = o.Password
	}
	if o.SSLMode != "" {
		cfg.SSLMode = o.SSLMode
	}
}

// jobResult wraps a tool invocation outcome for last_result accounting.
type jobResult map[string]any

func (r jobResult) ResultMap() map[string]any {
	return map[string]any{"success": true, "result": map[string]any(r)}
}

// newDispatch builds the scheduler dispatch: job tasks invoke a registered
// tool by name, prompt tasks run an LLM session.
func newDispatch(reg *tools.Registry, spawn *spawner.Spawner) scheduler.DispatchFunc {
	return func(ctx context.Context, task *scheduler.Task) (scheduler.Result, error) {
		if task.JobName != "" {
			out, err := reg.Invoke(ctx, task.JobName, task.JobArgs)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", task.JobName, err)
			}
			return jobResult(out), nil
		}
		return spawn.Trigger(ctx, spawner.TriggerRequest{
			Prompt:        task.Prompt,
			TriggerSource: "schedule:" + task.Name,
			RequestID:     uuid.Must(uuid.NewV7()).String(),
		})
	}
}

func summarizeStatuses(statuses []ModuleStatus) map[string]int {
	counts := make(map[string]int)
	for _, st := range statuses {
		counts[st.Status]++
	}
	return counts
}
