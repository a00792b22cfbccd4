// Package visibility persists run metadata serving Describe and List
// operations. Records are a denormalized projection maintained by the
// coordinator; histories remain the source of truth and a lost visibility
// record never loses workflow state.
package visibility

import (
	"context"
	"errors"
	"time"

	"goa.design/cascade"
)

// ErrNotFound reports an unknown run.
var ErrNotFound = errors.New("visibility: run not found")

type (
	// Record is the visibility projection of one run.
	Record struct {
		// WorkflowID is the caller-supplied workflow identifier.
		WorkflowID string `json:"workflow_id"`
		// RunID is the engine-assigned run identifier.
		RunID string `json:"run_id"`
		// WorkflowType names the workflow definition.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the run's workflow task queue.
		TaskQueue string `json:"task_queue"`
		// Status is the run lifecycle state, using the state package's
		// status strings.
		Status string `json:"status"`
		// StartTime is when the run started.
		StartTime time.Time `json:"start_time"`
		// CloseTime is when the run closed; zero for open runs.
		CloseTime time.Time `json:"close_time,omitzero"`
		// HistoryLength is the current event count.
		HistoryLength int64 `json:"history_length"`
		// ContinuedFromRunID links to the predecessor run, if any.
		ContinuedFromRunID string `json:"continued_from_run_id,omitempty"`
		// Stuck reports the run exceeded the workflow task failure
		// threshold and awaits operator action.
		Stuck bool `json:"stuck,omitempty"`
		// Memo carries small opaque diagnostic payloads.
		Memo map[string]cascade.Payload `json:"memo,omitempty"`
		// SearchAttributes carries indexed metadata upserted by workflow
		// code or the starter.
		SearchAttributes map[string]cascade.Payload `json:"search_attributes,omitempty"`
	}

	// Filter selects records for List. Zero fields match everything.
	Filter struct {
		// WorkflowIDPrefix matches workflow ids by prefix.
		WorkflowIDPrefix string
		// WorkflowType matches the exact workflow type.
		WorkflowType string
		// Status matches the exact lifecycle status.
		Status string
		// OnlyOpen restricts to open runs.
		OnlyOpen bool
	}

	// Store persists visibility records.
	Store interface {
		// Upsert stores or replaces a record keyed by run id.
		Upsert(ctx context.Context, rec Record) error

		// Get returns the record for a run. ErrNotFound when unknown.
		Get(ctx context.Context, runID string) (Record, error)

		// GetOpenByWorkflowID returns the open run for a workflow id.
		// ErrNotFound when no open run exists.
		GetOpenByWorkflowID(ctx context.Context, workflowID string) (Record, error)

		// List returns records matching the filter, most recent start
		// first, up to limit. Zero limit means a store-chosen default.
		List(ctx context.Context, f Filter, limit int) ([]Record, error)

		// Delete removes a run's record. Used by retention.
		Delete(ctx context.Context, runID string) error

		// Name identifies the store for health reporting.
		Name() string

		// Ping verifies the backing storage is reachable.
		Ping(ctx context.Context) error
	}
)

// Open reports whether the record describes an open run.
func (r Record) Open() bool { return r.Status == "Running" }

// Matches reports whether the record passes the filter.
func (f Filter) Matches(r Record) bool {
	if f.OnlyOpen && !r.Open() {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.WorkflowType != "" && r.WorkflowType != f.WorkflowType {
		return false
	}
	if f.WorkflowIDPrefix != "" && len(r.WorkflowID) >= len(f.WorkflowIDPrefix) {
		if r.WorkflowID[:len(f.WorkflowIDPrefix)] != f.WorkflowIDPrefix {
			return false
		}
	} else if f.WorkflowIDPrefix != "" {
		return false
	}
	return true
}
