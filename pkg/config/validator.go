package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

// butler names become registry keys and route targets, so keep them
// identifier-shaped.
var butlerNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateButler(); err != nil {
		return fmt.Errorf("butler validation failed: %w", err)
	}

	if err := v.validateSchedules(); err != nil {
		return fmt.Errorf("schedule validation failed: %w", err)
	}

	if err := v.validateSections(); err != nil {
		return fmt.Errorf("section validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateButler() error {
	b := v.cfg.Butler

	if b.Name == "" {
		return NewValidationError("butler", "", "name", ErrMissingRequiredField)
	}
	if !butlerNameRe.MatchString(b.Name) {
		return NewValidationError("butler", b.Name, "name",
			fmt.Errorf("%w: must match %s", ErrInvalidValue, butlerNameRe.String()))
	}
	if b.Port < 1 || b.Port > 65535 {
		return NewValidationError("butler", b.Name, "port",
			fmt.Errorf("%w: %d out of range", ErrInvalidValue, b.Port))
	}

	return nil
}

// ValidateScheduleDecl checks a single schedule declaration: required name,
// parseable cron, prompt XOR job, loadable timezone. Shared with the
// scheduler's create/update path and butlerctl validate.
func ValidateScheduleDecl(decl ScheduleDecl) error {
	if decl.Name == "" {
		return NewValidationError("schedule", "", "name", ErrMissingRequiredField)
	}

	if _, err := cron.ParseStandard(decl.Cron); err != nil {
		return NewValidationError("schedule", decl.Name, "cron",
			fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}

	hasPrompt := decl.Prompt != ""
	hasJob := decl.JobName != ""
	if hasPrompt == hasJob {
		return NewValidationError("schedule", decl.Name, "prompt",
			fmt.Errorf("%w: exactly one of prompt or job_name is required", ErrInvalidValue))
	}
	if !hasJob && len(decl.JobArgs) > 0 {
		return NewValidationError("schedule", decl.Name, "job_args",
			fmt.Errorf("%w: job_args requires job_name", ErrInvalidValue))
	}

	if decl.Timezone != "" {
		if _, err := time.LoadLocation(decl.Timezone); err != nil {
			return NewValidationError("schedule", decl.Name, "timezone",
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSchedules() error {
	seen := make(map[string]bool, len(v.cfg.Schedules))
	for _, decl := range v.cfg.Schedules {
		if err := ValidateScheduleDecl(decl); err != nil {
			return err
		}
		if seen[decl.Name] {
			return NewValidationError("schedule", decl.Name, "name",
				fmt.Errorf("%w: duplicate schedule name", ErrInvalidValue))
		}
		seen[decl.Name] = true
	}
	return nil
}

func (v *ConfigValidator) validateSections() error {
	name := v.cfg.Butler.Name

	if v.cfg.Shutdown.TimeoutS <= 0 {
		return NewValidationError("shutdown", name, "timeout_s",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if v.cfg.Spawner.MaxConcurrent <= 0 {
		return NewValidationError("spawner", name, "max_concurrent",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	buf := v.cfg.Buffer
	switch {
	case buf.QueueCapacity <= 0:
		return NewValidationError("buffer", name, "queue_capacity",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	case buf.Workers <= 0:
		return NewValidationError("buffer", name, "workers",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	case buf.ScannerIntervalS <= 0 || buf.ScannerBatchSize <= 0 || buf.ScannerGraceS <= 0:
		return NewValidationError("buffer", name, "scanner",
			fmt.Errorf("%w: scanner interval, batch size, and grace must be positive", ErrInvalidValue))
	case buf.ProcessingGraceS < buf.ScannerGraceS:
		return NewValidationError("buffer", name, "processing_grace_s",
			fmt.Errorf("%w: must not undercut scanner_grace_s", ErrInvalidValue))
	}

	if v.cfg.Scheduler.TickIntervalS <= 0 {
		return NewValidationError("scheduler", name, "tick_interval_s",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if v.cfg.Approval.ExpiryIntervalS <= 0 {
		return NewValidationError("approval", name, "expiry_interval_s",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	del := v.cfg.Delivery
	if del.Workers <= 0 || del.MaxAttempts <= 0 || del.ClaimIntervalS <= 0 {
		return NewValidationError("delivery", name, "workers",
			fmt.Errorf("%w: workers, max_attempts, and claim_interval_s must be positive", ErrInvalidValue))
	}
	if del.BaseBackoffS <= 0 || del.MaxBackoffS < del.BaseBackoffS {
		return NewValidationError("delivery", name, "backoff",
			fmt.Errorf("%w: base_backoff_s must be positive and max_backoff_s must not undercut it", ErrInvalidValue))
	}

	rl := v.cfg.RateLimit
	if rl.GlobalMaxPerMinute <= 0 || rl.GlobalMaxInFlight <= 0 ||
		rl.PerRecipientMaxPerMinute <= 0 || rl.DefaultChannelMaxPerMinute <= 0 {
		return NewValidationError("ratelimit", name, "limits",
			fmt.Errorf("%w: limits must be positive", ErrInvalidValue))
	}
	if rl.ReplyPriorityMultiplier <= 0 {
		return NewValidationError("ratelimit", name, "reply_priority_multiplier",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	for key, limit := range rl.ChannelLimits {
		if limit <= 0 {
			return NewValidationError("ratelimit", name, "channel_limits",
				fmt.Errorf("%w: limit for %q must be positive", ErrInvalidValue, key))
		}
	}

	if v.cfg.RPC.ResolveCacheTTLS <= 0 || v.cfg.RPC.TimeoutS <= 0 {
		return NewValidationError("rpc", name, "timeouts",
			fmt.Errorf("%w: resolve_cache_ttl_s and timeout_s must be positive", ErrInvalidValue))
	}

	ret := v.cfg.Retention
	if ret.SweepIntervalS <= 0 {
		return NewValidationError("retention", name, "sweep_interval_s",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if ret.InboxDays <= 0 || ret.SessionsDays <= 0 || ret.DeliveryDays <= 0 ||
		ret.DeadLetterDays <= 0 || ret.ApprovalsDays <= 0 {
		return NewValidationError("retention", name, "windows",
			fmt.Errorf("%w: retention windows must be positive", ErrInvalidValue))
	}

	return nil
}
