package config

// Built-in defaults. User TOML merges on top; non-zero user values override.

const DefaultPort = 8700

func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{TimeoutS: 30}
}

func DefaultSpawnerConfig() *SpawnerConfig {
	return &SpawnerConfig{MaxConcurrent: 5}
}

func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		QueueCapacity:    256,
		Workers:          4,
		ScannerIntervalS: 30,
		ScannerBatchSize: 100,
		ScannerGraceS:    60,
		// ProcessingGraceS intentionally 0 here: resolved to 5× grace after
		// the merge so a user-set grace scales it.
	}
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{TickIntervalS: 30}
}

func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{ExpiryIntervalS: 60}
}

func DefaultDeliveryConfig() *DeliveryConfig {
	return &DeliveryConfig{
		Workers:        2,
		MaxAttempts:    5,
		ClaimIntervalS: 2,
		BaseBackoffS:   5,
		MaxBackoffS:    300,
	}
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalMaxPerMinute:         100,
		GlobalMaxInFlight:          10,
		PerRecipientMaxPerMinute:   2,
		DefaultChannelMaxPerMinute: 30,
		ReplyPriorityMultiplier:    2,
	}
}

func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ResolveCacheTTLS: 300,
		TimeoutS:         30,
	}
}

func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Enabled:  false,
		Insecure: true,
	}
}

func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SweepIntervalS: 3600,
		InboxDays:      30,
		SessionsDays:   30,
		DeliveryDays:   14,
		DeadLetterDays: 30,
		ApprovalsDays:  90,
	}
}
