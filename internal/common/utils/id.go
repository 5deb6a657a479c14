// Package utils provides small helpers shared across the enrichment run:
// run identifiers, retry with backoff and extended duration parsing.
package utils

import "github.com/google/uuid"

// NewRunID returns a random identifier attached to every log line of a run.
func NewRunID() string {
	return uuid.NewString()
}
