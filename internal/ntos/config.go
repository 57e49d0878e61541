package ntos

import (
	"fmt"

	"go.uber.org/zap"

	"ntwalk/internal/kernel"
	"ntwalk/internal/metrics"
	"ntwalk/internal/ntfmt"
	"ntwalk/internal/resolve"
)

// Config holds configuration for opening a kernel.
type Config struct {
	// Hints override kernel discovery.
	Hints kernel.Hints `json:"hints"`

	// Resolver produces the offset table. Nil uses a resolver over the
	// built-in offsets database with signatures and no symbol store.
	Resolver *resolve.Resolver `json:"-"`

	// Traversal bounds: a list with more nodes is reported as an overrun.
	MaxProcesses int `json:"max_processes"`
	MaxModules   int `json:"max_modules"`
	MaxThreads   int `json:"max_threads"`

	// Mode selects skip-and-record (best effort) or fail on the first bad node.
	Mode ntfmt.Mode `json:"mode"`

	Logger  *zap.Logger      `json:"-"`
	Metrics *metrics.Metrics `json:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxProcesses: 1 << 14,
		MaxModules:   1 << 12,
		MaxThreads:   1 << 16,
		Mode:         ntfmt.ModeBestEffort,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("%w: max_processes must be positive", ErrInvalidConfig)
	}
	if c.MaxModules <= 0 {
		return fmt.Errorf("%w: max_modules must be positive", ErrInvalidConfig)
	}
	if c.MaxThreads <= 0 {
		return fmt.Errorf("%w: max_threads must be positive", ErrInvalidConfig)
	}
	if c.Mode != ntfmt.ModeBestEffort && c.Mode != ntfmt.ModeStrict {
		return fmt.Errorf("%w: unknown mode %v", ErrInvalidConfig, c.Mode)
	}
	return nil
}
