// Package memory provides an in-memory history store suitable for local
// development, tests, and single-process deployments. Batches are kept as
// decoded events; durability is process lifetime.
package memory

import (
	"context"
	"sync"

	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/history"
)

// Store is an in-memory history.Store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	runs map[string][]*event.Event
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{runs: make(map[string][]*event.Event)}
}

// AppendBatch implements history.Store.
func (s *Store) AppendBatch(_ context.Context, runID string, expected int64, events []*event.Event) error {
	if err := history.Validate(expected, events); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.runs[runID]
	if n := len(cur); n > 0 {
		if cur[n-1].Kind().Closing() {
			return history.ErrClosed
		}
		if floor := cur[n-1].Time; events[0].Time.Before(floor) {
			// Clamp so per-run event time stays monotonic even when the
			// caller's clock stepped backwards. Clamped events are stored as
			// copies; the caller's events are never mutated.
			clamped := make([]*event.Event, len(events))
			for i, e := range events {
				if e.Time.Before(floor) {
					ce := *e
					ce.Time = floor
					clamped[i] = &ce
				} else {
					clamped[i] = e
				}
			}
			events = clamped
		}
	}
	if int64(len(cur))+1 != expected {
		return history.ErrConflict
	}
	s.runs[runID] = append(cur, events...)
	return nil
}

// ReadRange implements history.Store.
func (s *Store) ReadRange(_ context.Context, runID string, from, to int64) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.runs[runID]
	if !ok {
		return nil, history.ErrNotFound
	}
	if from < 1 {
		from = 1
	}
	last := int64(len(cur))
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]*event.Event, 0, to-from+1)
	for _, e := range cur[from-1 : to] {
		out = append(out, e)
	}
	return out, nil
}

// NextEventID implements history.Store.
func (s *Store) NextEventID(_ context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.runs[runID]
	if !ok {
		return 0, history.ErrNotFound
	}
	return int64(len(cur)) + 1, nil
}

// DeleteRun implements history.Store.
func (s *Store) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Name implements history.Store.
func (s *Store) Name() string { return "history-memory" }

// Ping implements history.Store.
func (s *Store) Ping(context.Context) error { return nil }
