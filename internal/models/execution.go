package models

import (
	"fmt"
	"time"
)

const (
	MinTimeoutSecs   = 30
	MaxTimeoutSecs   = 600
	MinMemoryLimitMB = 256
	MaxMemoryLimitMB = 4096
	MaxEvasionTier   = 2
)

// EvasionTier is the strength of the anti-analysis countermeasures applied to a run.
// Tier 0 disables masking; tier 1 hides virtualization markers; tier 2 additionally
// interferes with debugger and timing checks.
type EvasionTier int

const (
	EvasionTierOff      EvasionTier = 0
	EvasionTierMarkers  EvasionTier = 1
	EvasionTierBehavior EvasionTier = 2
)

// ExecutionConfig holds the validated per-run parameters. Construct it with
// NewExecutionConfig; the zero value is not a valid configuration.
type ExecutionConfig struct {
	TimeoutSecs        int         `json:"timeout_secs" yaml:"timeout_secs"`
	MemoryLimitMB      int         `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	CaptureNetwork     bool        `json:"capture_network" yaml:"capture_network"`
	AntiEvasionEnabled bool        `json:"anti_evasion_enabled" yaml:"anti_evasion_enabled"`
	AntiEvasionTier    EvasionTier `json:"anti_evasion_tier" yaml:"anti_evasion_tier"`
}

// ConfigurationError reports an out-of-range or missing execution parameter.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid execution config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// NewExecutionConfig validates the supplied values and returns a normalized config.
// Enabling anti-evasion without choosing a tier selects tier 1.
func NewExecutionConfig(timeoutSecs, memoryLimitMB int, captureNetwork, antiEvasion bool, tier int) (ExecutionConfig, error) {
	cfg := ExecutionConfig{
		TimeoutSecs:        timeoutSecs,
		MemoryLimitMB:      memoryLimitMB,
		CaptureNetwork:     captureNetwork,
		AntiEvasionEnabled: antiEvasion,
		AntiEvasionTier:    EvasionTier(tier),
	}
	if cfg.AntiEvasionEnabled && cfg.AntiEvasionTier == EvasionTierOff {
		cfg.AntiEvasionTier = EvasionTierMarkers
	}
	if err := cfg.Validate(); err != nil {
		return ExecutionConfig{}, err
	}
	return cfg, nil
}

// DefaultExecutionConfig returns the smallest valid configuration.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		TimeoutSecs:   60,
		MemoryLimitMB: 512,
	}
}

// Validate checks every bound. It is also used on configs decoded from the wire.
func (c ExecutionConfig) Validate() error {
	if c.TimeoutSecs < MinTimeoutSecs || c.TimeoutSecs > MaxTimeoutSecs {
		return &ConfigurationError{
			Field:  "timeout_secs",
			Value:  c.TimeoutSecs,
			Reason: fmt.Sprintf("must be between %d and %d", MinTimeoutSecs, MaxTimeoutSecs),
		}
	}
	if c.MemoryLimitMB < MinMemoryLimitMB || c.MemoryLimitMB > MaxMemoryLimitMB {
		return &ConfigurationError{
			Field:  "memory_limit_mb",
			Value:  c.MemoryLimitMB,
			Reason: fmt.Sprintf("must be between %d and %d", MinMemoryLimitMB, MaxMemoryLimitMB),
		}
	}
	if c.AntiEvasionTier < EvasionTierOff || c.AntiEvasionTier > MaxEvasionTier {
		return &ConfigurationError{
			Field:  "anti_evasion_tier",
			Value:  int(c.AntiEvasionTier),
			Reason: fmt.Sprintf("must be between 0 and %d", MaxEvasionTier),
		}
	}
	if !c.AntiEvasionEnabled && c.AntiEvasionTier != EvasionTierOff {
		return &ConfigurationError{
			Field:  "anti_evasion_tier",
			Value:  int(c.AntiEvasionTier),
			Reason: "requires anti_evasion_enabled",
		}
	}
	return nil
}

func (c ExecutionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ActiveTier returns the tier in effect, which is always off when anti-evasion is disabled.
func (c ExecutionConfig) ActiveTier() EvasionTier {
	if !c.AntiEvasionEnabled {
		return EvasionTierOff
	}
	return c.AntiEvasionTier
}
