// Package history defines the durable append-only event store contract and
// its in-memory implementation. The store is the single source of truth for
// run state: batches commit atomically, per-run ordering is enforced through
// an optimistic next-event-id check, and history never mutates after append.
package history

import (
	"context"
	"errors"

	"goa.design/cascade/engine/event"
)

var (
	// ErrConflict reports that another writer advanced the run past the
	// expected next event id. The caller must reload mutable state and
	// retry its decision.
	ErrConflict = errors.New("history: append conflict")

	// ErrNotFound reports that the run has no history.
	ErrNotFound = errors.New("history: run not found")

	// ErrClosed reports an append to a run whose history ends with a
	// closing event. Nothing appends after a run closes.
	ErrClosed = errors.New("history: run closed")
)

type (
	// Store durably appends and reads per-run event histories.
	//
	// Guarantees implementations must provide: batches are all-or-nothing,
	// a successful append implies durability, reads are monotonic per run,
	// and committed events never change.
	Store interface {
		// AppendBatch appends events to the run. expectedNextEventID is the
		// id the first appended event must receive; ErrConflict reports a
		// concurrent writer. Appending the first batch of a run uses
		// expectedNextEventID 1. ErrClosed reports an append after a
		// closing event.
		AppendBatch(ctx context.Context, runID string, expectedNextEventID int64, events []*event.Event) error

		// ReadRange returns events with ids in [from, to]. A to of zero
		// means "latest". ErrNotFound reports an unknown run.
		ReadRange(ctx context.Context, runID string, from, to int64) ([]*event.Event, error)

		// NextEventID returns the id the next appended event will receive.
		// ErrNotFound reports an unknown run.
		NextEventID(ctx context.Context, runID string) (int64, error)

		// DeleteRun removes the run's history. Used by retention.
		DeleteRun(ctx context.Context, runID string) error

		// Name identifies the store for health reporting.
		Name() string

		// Ping verifies the backing storage is reachable.
		Ping(ctx context.Context) error
	}
)

// Validate checks batch shape against the expected next event id: the batch
// is non-empty, ids are dense starting at expected, and times never decrease
// within the batch. Shared by store implementations.
func Validate(expected int64, events []*event.Event) error {
	if len(events) == 0 {
		return errors.New("history: empty batch")
	}
	if expected < 1 {
		return errors.New("history: expected next event id must be positive")
	}
	for i, e := range events {
		if e.ID != expected+int64(i) {
			return errors.New("history: batch event ids not dense")
		}
		if i > 0 && e.Time.Before(events[i-1].Time) {
			return errors.New("history: batch event times decrease")
		}
		if i < len(events)-1 && e.Kind().Closing() {
			return errors.New("history: closing event not last in batch")
		}
	}
	return nil
}
