// Package uuid provides job ID generation.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// JobPrefix is prepended to every generated job ID.
const JobPrefix = "job_"

// Generator creates job IDs backed by UUID v7, so IDs sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a job ID of the form job_<32 hex chars>.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return JobPrefix + strings.ReplaceAll(id.String(), "-", ""), nil
}
