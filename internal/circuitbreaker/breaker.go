// Package circuitbreaker guards upstream sources with Sony's gobreaker so a
// source that keeps failing is skipped quickly instead of timing out for
// every remaining record.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"

	"github.com/sony/gobreaker"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// MaxConcurrentRequests is the number of trial calls allowed while half-open
	MaxConcurrentRequests int
}

// DefaultConfig returns the configuration used for upstream HTTP sources
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Stats holds run totals for a breaker. They survive state changes, unlike
// gobreaker's own counts which reset with every generation.
type Stats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
	Rejected  int    `json:"rejected"`
}

// CodeOpen marks errors produced by a breaker that rejected the call
const CodeOpen = "circuit_open"

// Breaker wraps a gobreaker.CircuitBreaker for one source
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker

	failures  atomic.Int64
	successes atomic.Int64
	rejected  atomic.Int64
}

// New creates a breaker. An invalid config falls back to DefaultConfig.
func New(name string, config Config, logger logging.Logger) *Breaker {
	logger = logging.OrGlobal(logger)
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.String("breaker", name), logging.Err(err))
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: countsAsHealthy,
	}

	return &Breaker{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// countsAsHealthy decides which errors say nothing about the source's health.
// Quota exhaustion is handled by aborting the batch, and missing or odd data
// is a per-record problem.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	switch errors.GetType(err) {
	case errors.ErrTypeRateLimit, errors.ErrTypeNotFound, errors.ErrTypeData, errors.ErrTypeTypeMismatch:
		return true
	}
	return false
}

// Execute runs fn through the breaker. When the breaker rejects the call the
// result is a transient upstream error for this record only.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if countsAsHealthy(err) {
			b.successes.Add(1)
		} else {
			b.failures.Add(1)
		}
		return nil, err
	})

	if stderrors.Is(err, gobreaker.ErrOpenState) {
		b.rejected.Add(1)
		return errors.UpstreamError(b.name, "circuit breaker is open", err).WithCode(CodeOpen)
	}
	if stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return errors.UpstreamError(b.name, "circuit breaker is half-open and busy", err).WithCode(CodeOpen)
	}
	return err
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	switch b.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Stats returns current statistics
func (b *Breaker) Stats() Stats {
	return Stats{
		Name:      b.name,
		State:     b.State().String(),
		Failures:  int(b.failures.Load()),
		Successes: int(b.successes.Load()),
		Rejected:  int(b.rejected.Load()),
	}
}
