// Package pipeline defines the enrichment step abstraction and the chain that
// runs steps over a record in order.
package pipeline

import (
	"context"

	"conan-inquiry/internal/record"
)

// Step transforms a record. Steps write fields with set-unless-present so that
// an earlier step in the chain wins over a later one. A step may modify the
// record in place and return it, or return a new record.
type Step interface {
	// Name identifies the step in logs and errors
	Name() string

	// Transform enriches r
	Transform(ctx context.Context, r record.Record) (record.Record, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, r record.Record) (record.Record, error)

type funcStep struct {
	name string
	fn   StepFunc
}

// NewStep wraps fn as a named Step.
func NewStep(name string, fn StepFunc) Step {
	return &funcStep{name: name, fn: fn}
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	return s.fn(ctx, r)
}
