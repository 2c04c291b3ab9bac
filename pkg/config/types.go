package config

// ButlerConfig identifies the daemon: name (registry key, route target),
// listen port, and an operator-facing description.
type ButlerConfig struct {
	Name        string `toml:"name"`
	Port        int    `toml:"port"`
	Description string `toml:"description"`

	// AdvertiseURL is the endpoint peers should call, registered with the
	// switchboard directory. Defaults to http://localhost:<port>.
	AdvertiseURL string `toml:"advertise_url"`
}

// DBOverrides carries optional [butler.db] overrides layered on top of the
// DB_* environment configuration. Zero values mean "no override".
type DBOverrides struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"sslmode"`
}

// ShutdownConfig controls the graceful shutdown sequence.
type ShutdownConfig struct {
	// TimeoutS bounds the spawner drain; sessions still running after this
	// many seconds are cancelled.
	TimeoutS int `toml:"timeout_s"`
}

// SpawnerConfig controls the LLM session spawner.
type SpawnerConfig struct {
	// MaxConcurrent caps sessions running at once; further triggers queue
	// on the semaphore.
	MaxConcurrent int `toml:"max_concurrent"`

	// Command is the session CLI invoked per trigger, argv-style. The
	// prompt is written to its stdin. Empty means the hosting process
	// injects its own adapter.
	Command []string `toml:"command"`
}

// BufferConfig controls the durable ingestion buffer (switchboard only).
type BufferConfig struct {
	QueueCapacity    int `toml:"queue_capacity"`
	Workers          int `toml:"workers"`
	ScannerIntervalS int `toml:"scanner_interval_s"`
	ScannerBatchSize int `toml:"scanner_batch_size"`
	// ScannerGraceS is how long an accepted row may sit before the scanner
	// considers it lost and re-enqueues it.
	ScannerGraceS int `toml:"scanner_grace_s"`
	// ProcessingGraceS recovers rows stuck in processing (a worker died
	// mid-flight). Defaults to five times ScannerGraceS when unset.
	ProcessingGraceS int `toml:"processing_grace_s"`
}

// SchedulerConfig controls the cron runner.
type SchedulerConfig struct {
	TickIntervalS int `toml:"tick_interval_s"`
}

// ApprovalConfig controls the pending-action expiry loop.
type ApprovalConfig struct {
	ExpiryIntervalS int `toml:"expiry_interval_s"`
}

// DeliveryConfig controls the messenger's delivery worker pool and retry
// policy.
type DeliveryConfig struct {
	Workers        int `toml:"workers"`
	MaxAttempts    int `toml:"max_attempts"`
	ClaimIntervalS int `toml:"claim_interval_s"`
	BaseBackoffS   int `toml:"base_backoff_s"`
	MaxBackoffS    int `toml:"max_backoff_s"`
}

// RateLimitConfig parameterizes outbound admission control (messenger only).
type RateLimitConfig struct {
	GlobalMaxPerMinute         float64 `toml:"global_max_per_minute"`
	GlobalMaxInFlight          int     `toml:"global_max_in_flight"`
	PerRecipientMaxPerMinute   float64 `toml:"per_recipient_max_per_minute"`
	DefaultChannelMaxPerMinute float64 `toml:"default_channel_max_per_minute"`
	// ReplyPriorityMultiplier divides the token cost of intent=reply
	// deliveries: 2.0 makes a reply cost half a send.
	ReplyPriorityMultiplier float64 `toml:"reply_priority_multiplier"`
	// ChannelLimits maps "channel.identity_scope" keys (e.g. "telegram.bot")
	// to per-minute capacities; unlisted pairs use the default.
	ChannelLimits map[string]float64 `toml:"channel_limits"`
}

// RPCConfig controls the tool client: where to resolve butler names and how
// long to trust resolutions.
type RPCConfig struct {
	SwitchboardURL   string `toml:"switchboard_url"`
	ResolveCacheTTLS int    `toml:"resolve_cache_ttl_s"`
	TimeoutS         int    `toml:"timeout_s"`
}

// TelemetryConfig controls tracer initialization.
type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

// RetentionConfig bounds how long terminal rows stay in the database.
// The sweeper only deletes finished work; live rows (pending deliveries,
// unresolved approvals, accepted inbox entries) are never touched.
type RetentionConfig struct {
	SweepIntervalS int `toml:"sweep_interval_s"`
	InboxDays      int `toml:"inbox_days"`
	SessionsDays   int `toml:"sessions_days"`
	DeliveryDays   int `toml:"delivery_days"`
	DeadLetterDays int `toml:"dead_letter_days"`
	ApprovalsDays  int `toml:"approvals_days"`
}

// ScheduleDecl is one [[butler.schedule]] table: a cron task declared in
// config and synced into scheduled_tasks with source='toml'.
type ScheduleDecl struct {
	Name     string         `toml:"name"`
	Cron     string         `toml:"cron"`
	Prompt   string         `toml:"prompt"`
	JobName  string         `toml:"job_name"`
	JobArgs  map[string]any `toml:"job_args"`
	Timezone string         `toml:"timezone"`
}

// ModuleDecl is one [modules.<name>] table. DependsOn is extracted from the
// depends_on key; Raw holds the remaining keys for the module's own schema
// decode at startup.
type ModuleDecl struct {
	DependsOn []string
	Raw       map[string]any
}
