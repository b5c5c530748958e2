// Package components implements the Extract/Map/Load component
// migrations of spec.md §4.6, one file per entity type, all sharing
// the Rails-console load path through railsLoader.
package components

import (
	"context"

	"github.com/netresearch/j2o-core/internal/sanitize"
)

// SourceRecord is one raw record pulled from Jira by Extract, not yet
// sanitized.
type SourceRecord struct {
	OriginKey string
	Data      map[string]any
}

// Batch is one unit of work handed to Load: already-mapped records
// sharing a batch index for checkpoint and cache bookkeeping.
type Batch struct {
	Component string
	Index     int
	Records   []*sanitize.MappedRecord
}

// LoadReport summarizes the outcome of one Load call.
type LoadReport struct {
	Created int
	Updated int
	Skipped int
	Failed  int
}

// Component is the shared Extract/Map/Load contract every component
// migration implements (spec.md §4.6.1).
type Component interface {
	Name() string
	Extract(ctx context.Context, batchIndex int) (records []SourceRecord, hasMore bool, err error)
	MapRecord(ctx context.Context, rec SourceRecord) (*sanitize.MappedRecord, error)
	Load(ctx context.Context, batch Batch) (*LoadReport, error)
}

// ExtractError reports a non-transient Extract-phase failure, once the
// adapter's own retry budget is exhausted.
type ExtractError struct {
	Component string
	Err       error
}

func (e *ExtractError) Error() string { return "components: " + e.Component + ": extract: " + e.Err.Error() }
func (e *ExtractError) Unwrap() error { return e.Err }
