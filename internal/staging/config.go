package staging

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

// Config controls where staging databases live and how writers batch.
type Config struct {
	// Dir holds one database file per store. Empty keeps stores in memory.
	Dir string `toml:"dir" yaml:"dir"`

	// Rows buffered by a Writer before it flushes
	FlushThreshold int `toml:"flush_threshold" yaml:"flush_threshold"`

	BusyTimeout time.Duration `toml:"busy_timeout" yaml:"busy_timeout"`

	Metrics *stats.Metrics `toml:"-" yaml:"-"`
}

// DefaultConfig returns in-memory staging defaults
func DefaultConfig() Config {
	return Config{
		FlushThreshold: 500,
		BusyTimeout:    5 * time.Second,
	}
}

// Validate checks the staging configuration
func (c Config) Validate() error {
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("staging: flush_threshold must be positive, got %d", c.FlushThreshold)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("staging: busy_timeout must not be negative, got %v", c.BusyTimeout)
	}
	return nil
}
