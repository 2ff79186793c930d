package headway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingInput means no input table was available. The pipeline treats
	// it as fatal for the cycle and leaves retries to the scheduler.
	ErrMissingInput = errors.New("missing input table")

	// ErrSchema means a table lacks required columns.
	ErrSchema = errors.New("invalid table schema")

	// ErrInvalidOptions means the expected-headway options cannot be used.
	ErrInvalidOptions = errors.New("invalid headway options")
)

// SchemaError lists the required columns a table header is missing.
type SchemaError struct {
	Table   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s table: missing required columns: %s", e.Table, strings.Join(e.Missing, ", "))
}

func (e *SchemaError) Unwrap() error { return ErrSchema }
