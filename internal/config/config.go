package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level warren.yml configuration.
type Config struct {
	Version   string          `yaml:"version"`
	VaultPath string          `yaml:"vault_path"`
	LogLevel  string          `yaml:"log_level,omitempty"` // debug, info, warn, error (default: info)
	Execution ExecutionConfig `yaml:"execution,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Lock      LockConfig      `yaml:"lock,omitempty"`
	Bus       BusConfig       `yaml:"bus,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	Ingest    IngestConfig    `yaml:"ingest,omitempty"`
	Approval  ApprovalConfig  `yaml:"approval,omitempty"`
	Dashboard DashboardConfig `yaml:"dashboard,omitempty"`
	Audit     AuditConfig     `yaml:"audit,omitempty"`
	Integrity IntegrityConfig `yaml:"integrity,omitempty"`

	// sourcePath remembers where Load read the file from, for SIGHUP reloads.
	sourcePath string
}

// SourcePath returns the file this configuration was loaded from, empty for
// configurations built in memory.
func (c *Config) SourcePath() string { return c.sourcePath }

// ExecutionConfig controls how plan steps are run.
type ExecutionConfig struct {
	Mode             string `yaml:"mode,omitempty"`              // dry_run (default), real, or simulated
	RollbackStrategy string `yaml:"rollback_strategy,omitempty"` // automatic (default), manual, or none
	StepTimeoutMs    int64  `yaml:"step_timeout_ms,omitempty"`   // Soft deadline per step (default: 120000)
	SimulatedMs      int64  `yaml:"simulated_ms,omitempty"`      // Sleep per step in simulated mode (default: 100)
	PollMs           int64  `yaml:"poll_ms,omitempty"`           // Approved folder scan period (default: 1000)
}

// RetryConfig parameterises the exponential backoff applied to retryable
// failures, both transitions and execution steps.
type RetryConfig struct {
	BaseMs      int64 `yaml:"base_ms,omitempty"`      // First delay (default: 1000)
	CapMs       int64 `yaml:"cap_ms,omitempty"`       // Delay ceiling (default: 60000)
	MaxAttempts int   `yaml:"max_attempts,omitempty"` // Attempts before dead-lettering (default: 5)
}

// LockConfig controls stem lock acquisition.
type LockConfig struct {
	TimeoutMs int64 `yaml:"timeout_ms,omitempty"` // Acquisition deadline (default: 10000)
	StaleMs   int64 `yaml:"stale_ms,omitempty"`   // Age after which a lock file is reclaimable (default: 300000)
}

// BusConfig sizes the event bus.
type BusConfig struct {
	HistorySize     int   `yaml:"history_size,omitempty"`     // Replay ring capacity (default: 1000)
	SubscriberQueue int   `yaml:"subscriber_queue,omitempty"` // Per-subscriber queue depth (default: 4096)
	DrainMs         int64 `yaml:"drain_ms,omitempty"`         // Shutdown drain deadline (default: 10000)
}

// HealthConfig controls the orchestrator health loop.
type HealthConfig struct {
	IntervalMs int64 `yaml:"interval_ms,omitempty"` // Probe period (default: 30000)
	TimeoutMs  int64 `yaml:"timeout_ms,omitempty"`  // Per-probe deadline (default: 5000)
}

// IngestConfig controls the Inbox poller.
type IngestConfig struct {
	PollMs int64 `yaml:"poll_ms,omitempty"` // Inbox scan period (default: 200)
}

// ApprovalConfig carries user-defined approval rules, merged with the
// built-in defaults and evaluated in ascending priority order.
type ApprovalConfig struct {
	Rules []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig is one user-defined approval rule. Zero-valued predicates are
// inactive, so a rule with only a decision matches everything.
type RuleConfig struct {
	RuleID          string   `yaml:"rule_id"`
	Name            string   `yaml:"name,omitempty"`
	Priority        int      `yaml:"priority,omitempty"`          // Lower evaluates first (default: 100)
	ActionTypes     []string `yaml:"action_types,omitempty"`      // Empty or ["*"] matches all types
	MinRiskLevel    string   `yaml:"min_risk_level,omitempty"`    // Matches this level or above
	MaxRiskLevel    string   `yaml:"max_risk_level,omitempty"`    // Matches this level or below
	MaxDurationMin  int      `yaml:"max_duration_min,omitempty"`  // Matches duration <= this many minutes
	DurationOverMin int      `yaml:"duration_over_min,omitempty"` // Matches duration > this many minutes
	Decision        string   `yaml:"decision"`                    // auto_approve, require_approval, auto_reject, escalate
	Approvers       []string `yaml:"approvers,omitempty"`
}

// DashboardConfig controls the dashboard writer service.
type DashboardConfig struct {
	IntervalMs int64 `yaml:"interval_ms,omitempty"` // Rewrite period (default: 30000)
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Path string `yaml:"path,omitempty"` // Vault-relative unless absolute (default: System_Log/Audit/immutable_audit.jsonl)
}

// IntegrityConfig controls background audit chain spot checks.
type IntegrityConfig struct {
	IntervalMs int64 `yaml:"interval_ms,omitempty"` // Verification period (default: 300000)
}

// Defaults for every tunable. Validate applies these wherever the file left
// a field at its zero value.
const (
	DefaultStepTimeoutMs     = 120_000
	DefaultSimulatedMs       = 100
	DefaultExecutionPollMs   = 1_000
	DefaultRetryBaseMs       = 1_000
	DefaultRetryCapMs        = 60_000
	DefaultRetryMaxAttempts  = 5
	DefaultLockTimeoutMs     = 10_000
	DefaultLockStaleMs       = 300_000
	DefaultBusHistorySize    = 1_000
	DefaultBusQueue          = 4_096
	DefaultBusDrainMs        = 10_000
	DefaultHealthIntervalMs  = 30_000
	DefaultHealthTimeoutMs   = 5_000
	DefaultIngestPollMs      = 200
	DefaultDashboardMs       = 30_000
	DefaultIntegrityMs       = 300_000
	DefaultRulePriority      = 100
	DefaultAuditPath         = "System_Log/Audit/immutable_audit.jsonl"
	DefaultLogLevel          = "info"
	DefaultExecutionMode     = "dry_run"
	DefaultRollbackStrategy  = "automatic"
)

// Validate performs strict validation and fills in defaults for omitted
// fields, mirroring what Default() produces.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.VaultPath == "" {
		return fmt.Errorf("vault_path is required")
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s (must be 'debug', 'info', 'warn', or 'error')", c.LogLevel)
	}

	if c.Execution.Mode == "" {
		c.Execution.Mode = DefaultExecutionMode
	}
	switch c.Execution.Mode {
	case "dry_run", "real", "simulated":
	default:
		return fmt.Errorf("invalid execution.mode: %s (must be 'dry_run', 'real', or 'simulated')", c.Execution.Mode)
	}

	if c.Execution.RollbackStrategy == "" {
		c.Execution.RollbackStrategy = DefaultRollbackStrategy
	}
	switch c.Execution.RollbackStrategy {
	case "automatic", "manual", "none":
	default:
		return fmt.Errorf("invalid execution.rollback_strategy: %s (must be 'automatic', 'manual', or 'none')", c.Execution.RollbackStrategy)
	}

	applyInt64(&c.Execution.StepTimeoutMs, DefaultStepTimeoutMs)
	applyInt64(&c.Execution.SimulatedMs, DefaultSimulatedMs)
	applyInt64(&c.Execution.PollMs, DefaultExecutionPollMs)
	applyInt64(&c.Retry.BaseMs, DefaultRetryBaseMs)
	applyInt64(&c.Retry.CapMs, DefaultRetryCapMs)
	applyInt(&c.Retry.MaxAttempts, DefaultRetryMaxAttempts)
	applyInt64(&c.Lock.TimeoutMs, DefaultLockTimeoutMs)
	applyInt64(&c.Lock.StaleMs, DefaultLockStaleMs)
	applyInt(&c.Bus.HistorySize, DefaultBusHistorySize)
	applyInt(&c.Bus.SubscriberQueue, DefaultBusQueue)
	applyInt64(&c.Bus.DrainMs, DefaultBusDrainMs)
	applyInt64(&c.Health.IntervalMs, DefaultHealthIntervalMs)
	applyInt64(&c.Health.TimeoutMs, DefaultHealthTimeoutMs)
	applyInt64(&c.Ingest.PollMs, DefaultIngestPollMs)
	applyInt64(&c.Dashboard.IntervalMs, DefaultDashboardMs)
	applyInt64(&c.Integrity.IntervalMs, DefaultIntegrityMs)

	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}

	if c.Retry.CapMs < c.Retry.BaseMs {
		return fmt.Errorf("retry.cap_ms (%d) must be >= retry.base_ms (%d)", c.Retry.CapMs, c.Retry.BaseMs)
	}
	for _, field := range []struct {
		name  string
		value int64
	}{
		{"execution.step_timeout_ms", c.Execution.StepTimeoutMs},
		{"execution.poll_ms", c.Execution.PollMs},
		{"retry.base_ms", c.Retry.BaseMs},
		{"lock.timeout_ms", c.Lock.TimeoutMs},
		{"lock.stale_ms", c.Lock.StaleMs},
		{"bus.drain_ms", c.Bus.DrainMs},
		{"health.interval_ms", c.Health.IntervalMs},
		{"health.timeout_ms", c.Health.TimeoutMs},
		{"ingest.poll_ms", c.Ingest.PollMs},
		{"dashboard.interval_ms", c.Dashboard.IntervalMs},
		{"integrity.interval_ms", c.Integrity.IntervalMs},
	} {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", field.name, field.value)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Bus.HistorySize < 1 || c.Bus.SubscriberQueue < 1 {
		return fmt.Errorf("bus.history_size and bus.subscriber_queue must be >= 1")
	}

	seen := make(map[string]bool, len(c.Approval.Rules))
	for i := range c.Approval.Rules {
		rule := &c.Approval.Rules[i]
		if err := rule.Validate(); err != nil {
			return err
		}
		if seen[rule.RuleID] {
			return fmt.Errorf("duplicate approval rule_id '%s'", rule.RuleID)
		}
		seen[rule.RuleID] = true
	}

	return nil
}

// Validate checks a single user-defined rule and applies its defaults.
func (r *RuleConfig) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("approval rule: rule_id is required")
	}
	if r.Name == "" {
		r.Name = r.RuleID
	}
	if r.Priority == 0 {
		r.Priority = DefaultRulePriority
	}
	if r.Priority < 0 {
		return fmt.Errorf("approval rule '%s': priority must be >= 0", r.RuleID)
	}
	switch r.Decision {
	case "auto_approve", "require_approval", "auto_reject", "escalate":
	default:
		return fmt.Errorf("approval rule '%s': invalid decision: %s (must be 'auto_approve', 'require_approval', 'auto_reject', or 'escalate')", r.RuleID, r.Decision)
	}
	for _, level := range []struct {
		field string
		value string
	}{
		{"min_risk_level", r.MinRiskLevel},
		{"max_risk_level", r.MaxRiskLevel},
	} {
		if level.value == "" || level.value == "*" {
			continue
		}
		switch level.value {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("approval rule '%s': invalid %s: %s", r.RuleID, level.field, level.value)
		}
	}
	if r.MaxDurationMin < 0 || r.DurationOverMin < 0 {
		return fmt.Errorf("approval rule '%s': duration predicates must be >= 0", r.RuleID)
	}
	return nil
}

// Default returns a fully-populated configuration for the given vault path.
// vault init writes this shape, and tests build on it.
func Default(vaultPath string) *Config {
	c := &Config{Version: "1.0", VaultPath: vaultPath}
	// Validate never fails here: every other field has a default.
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return c
}

// Load reads and validates warren.yml from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.sourcePath = path
	return &config, nil
}

// AuditPath resolves audit.path against the vault root unless absolute.
func (c *Config) AuditPath() string {
	if filepath.IsAbs(c.Audit.Path) {
		return c.Audit.Path
	}
	return filepath.Join(c.VaultPath, filepath.FromSlash(c.Audit.Path))
}

// Duration accessors convert the wire millisecond fields.

func (e ExecutionConfig) StepTimeout() time.Duration  { return msec(e.StepTimeoutMs) }
func (e ExecutionConfig) SimulatedDelay() time.Duration { return msec(e.SimulatedMs) }
func (e ExecutionConfig) Poll() time.Duration         { return msec(e.PollMs) }
func (r RetryConfig) Base() time.Duration             { return msec(r.BaseMs) }
func (r RetryConfig) Cap() time.Duration              { return msec(r.CapMs) }
func (l LockConfig) Timeout() time.Duration           { return msec(l.TimeoutMs) }
func (l LockConfig) Stale() time.Duration             { return msec(l.StaleMs) }
func (b BusConfig) Drain() time.Duration              { return msec(b.DrainMs) }
func (h HealthConfig) Interval() time.Duration        { return msec(h.IntervalMs) }
func (h HealthConfig) Timeout() time.Duration         { return msec(h.TimeoutMs) }
func (i IngestConfig) Poll() time.Duration            { return msec(i.PollMs) }
func (d DashboardConfig) Interval() time.Duration     { return msec(d.IntervalMs) }
func (i IntegrityConfig) Interval() time.Duration     { return msec(i.IntervalMs) }

func msec(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func applyInt64(field *int64, def int64) {
	if *field == 0 {
		*field = def
	}
}

func applyInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}
