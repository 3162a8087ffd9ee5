package services

import (
	"fmt"
	"strings"
)

// IngestionError reports a source that could not be read or parsed in full.
// Nothing from the run is committed to bronze when it is returned.
type IngestionError struct {
	Source string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion: %s: %v", e.Source, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// SchemaViolation reports required structural columns absent from a whole
// bronze partition.
type SchemaViolation struct {
	Stage   string
	Source  string
	Missing []string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("%s: schema violation in %s: missing required columns %s",
		e.Stage, e.Source, strings.Join(e.Missing, ", "))
}

// AggregationError reports partition keys that are not fields of the silver
// schema.
type AggregationError struct {
	Keys []string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("gold: unknown partition keys: %s", strings.Join(e.Keys, ", "))
}
