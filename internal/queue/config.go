package queue

import (
	"fmt"
	"time"
)

// Config selects and tunes the queue backend.
type Config struct {
	// RedisURL selects the Redis backend when set, e.g. redis://localhost:6379/0
	RedisURL string `toml:"redis_url" yaml:"redis_url"`

	// Deliveries per message before it is dropped
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`

	// Redis entries pending longer than this are claimed by another consumer
	VisibilityTimeout time.Duration `toml:"visibility_timeout" yaml:"visibility_timeout"`

	// How long one XREADGROUP call blocks waiting for entries
	BlockTimeout time.Duration `toml:"block_timeout" yaml:"block_timeout"`

	// Entries read per XREADGROUP call
	BatchSize int `toml:"batch_size" yaml:"batch_size"`

	// Messages per second handed to each consumer. Zero disables limiting.
	ConsumeRate  float64 `toml:"consume_rate" yaml:"consume_rate"`
	ConsumeBurst int     `toml:"consume_burst" yaml:"consume_burst"`
}

// DefaultConfig returns in-process queue defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		VisibilityTimeout: 5 * time.Minute,
		BlockTimeout:      time.Second,
		BatchSize:         10,
	}
}

// Validate checks the queue configuration
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("queue: max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue: visibility_timeout must be positive, got %v", c.VisibilityTimeout)
	}
	if c.BlockTimeout <= 0 {
		return fmt.Errorf("queue: block_timeout must be positive, got %v", c.BlockTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("queue: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ConsumeRate < 0 {
		return fmt.Errorf("queue: consume_rate must not be negative, got %v", c.ConsumeRate)
	}
	return nil
}
