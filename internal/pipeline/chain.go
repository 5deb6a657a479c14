package pipeline

import (
	"context"
	"fmt"
	"time"

	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"
)

// StepError reports which step of a chain failed. It unwraps to the step's
// own error so errors.Is and errors.As still see the cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Chain runs its steps in order. It is itself a Step.
type Chain struct {
	name   string
	steps  []Step
	logger logging.Logger
}

var _ Step = (*Chain)(nil)

// NewChain creates a chain named "chain" over steps.
func NewChain(steps ...Step) *Chain {
	return &Chain{name: "chain", steps: steps}
}

// Named sets the chain name.
func (c *Chain) Named(name string) *Chain {
	c.name = name
	return c
}

// WithLogger sets the logger used for per-step debug lines.
func (c *Chain) WithLogger(logger logging.Logger) *Chain {
	c.logger = logger
	return c
}

func (c *Chain) Name() string { return c.name }

// Steps returns the step names in order.
func (c *Chain) Steps() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name()
	}
	return names
}

// Transform feeds r through every step. The first error stops the chain and
// is returned wrapped in a StepError; errors are not recovered here. A
// cancelled context stops the chain before the next step starts.
func (c *Chain) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	logger := logging.OrGlobal(c.logger)
	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		stepCtx := logging.ContextWithStep(ctx, step.Name())
		start := time.Now()
		out, err := step.Transform(stepCtx, r)
		if err != nil {
			return r, &StepError{Step: step.Name(), Err: err}
		}
		if out != nil {
			r = out
		}
		logger.WithContext(stepCtx).Debug("Step finished", logging.Duration("duration", time.Since(start)))
	}
	return r, nil
}
