package ratelimit

import "fmt"

// Config represents the throttle settings of one source
type Config struct {
	// MaxInFlight caps concurrent calls. Zero means DefaultMaxInFlight.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`

	// RequestsPerSecond paces calls when positive.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// DefaultMaxInFlight is the per-source concurrency cap when none is configured.
const DefaultMaxInFlight = 15

// DefaultConfig returns a config with only the concurrency cap set
func DefaultConfig() Config {
	return Config{MaxInFlight: DefaultMaxInFlight}
}

// Validate fills defaults and rejects negative settings
func (c *Config) Validate() error {
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in flight must not be negative: %d", c.MaxInFlight)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative: %v", c.RequestsPerSecond)
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.RequestsPerSecond > 0 && c.BurstSize <= 0 {
		c.BurstSize = 1
	}
	return nil
}
