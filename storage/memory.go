package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]Run
	traces map[string][]TraceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]Run),
		traces: make(map[string][]TraceRecord),
	}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) SaveRun(_ context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) AppendTrace(_ context.Context, records []TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, ok := s.runs[r.RunID]; !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, r.RunID)
		}
	}
	for _, r := range records {
		s.traces[r.RunID] = append(s.traces[r.RunID], r)
	}
	return nil
}

func (s *MemoryStore) ListTrace(_ context.Context, runID string) ([]TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]TraceRecord(nil), s.traces[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
