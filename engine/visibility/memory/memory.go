// Package memory provides an in-memory visibility store for development,
// tests, and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"goa.design/cascade/engine/visibility"
)

const defaultListLimit = 100

// Store is an in-memory visibility.Store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	recs map[string]visibility.Record
	open map[string]string // workflow id -> open run id
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		recs: make(map[string]visibility.Record),
		open: make(map[string]string),
	}
}

// Upsert implements visibility.Store.
func (s *Store) Upsert(_ context.Context, rec visibility.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.RunID] = rec
	if rec.Open() {
		s.open[rec.WorkflowID] = rec.RunID
	} else if s.open[rec.WorkflowID] == rec.RunID {
		delete(s.open, rec.WorkflowID)
	}
	return nil
}

// Get implements visibility.Store.
func (s *Store) Get(_ context.Context, runID string) (visibility.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[runID]
	if !ok {
		return visibility.Record{}, visibility.ErrNotFound
	}
	return rec, nil
}

// GetOpenByWorkflowID implements visibility.Store.
func (s *Store) GetOpenByWorkflowID(_ context.Context, workflowID string) (visibility.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.open[workflowID]
	if !ok {
		return visibility.Record{}, visibility.ErrNotFound
	}
	rec, ok := s.recs[runID]
	if !ok {
		return visibility.Record{}, visibility.ErrNotFound
	}
	return rec, nil
}

// List implements visibility.Store.
func (s *Store) List(_ context.Context, f visibility.Filter, limit int) ([]visibility.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	matched := make([]visibility.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		if f.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].RunID < matched[j].RunID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Delete implements visibility.Store.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[runID]
	if ok && s.open[rec.WorkflowID] == runID {
		delete(s.open, rec.WorkflowID)
	}
	delete(s.recs, runID)
	return nil
}

// Name implements visibility.Store.
func (s *Store) Name() string { return "visibility-memory" }

// Ping implements visibility.Store.
func (s *Store) Ping(context.Context) error { return nil }
