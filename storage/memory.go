package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/process-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Records are copied on the way in and out.
type MemoryStorage struct {
	processes map[string]types.Process
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		processes: make(map[string]types.Process),
	}
}

// Get retrieves a process from memory.
func (s *MemoryStorage) Get(ctx context.Context, processID string) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		p, ok := s.processes[processID]
		if !ok {
			return types.Process{}, fmt.Errorf("%w: id=%s", ErrNotFound, processID)
		}
		return p.Copy(), nil
	})
}

// List returns matching processes ordered by creation time.
func (s *MemoryStorage) List(ctx context.Context, workflowID string, filter Filter) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Process, 0)
		for _, p := range s.processes {
			if workflowID != "" && p.WorkflowID != workflowID {
				continue
			}
			if filter.Match(p) {
				out = append(out, p.Copy())
			}
		}
		sortProcesses(out)
		return out, nil
	})
}

// Save stores p if its version matches the stored record.
func (s *MemoryStorage) Save(ctx context.Context, p *types.Process) error {
	return withContextError(ctx, func() error {
		if p == nil || p.ID == "" {
			return ErrInvalidID
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, exists := s.processes[p.ID]
		var current int64
		if exists {
			current = stored.Version
		}
		if p.Version != current {
			return fmt.Errorf("%w: id=%s have=%d stored=%d", ErrVersionConflict, p.ID, p.Version, current)
		}
		p.Version = current + 1
		s.processes[p.ID] = p.Copy()
		return nil
	})
}

// Delete removes a process from memory.
func (s *MemoryStorage) Delete(ctx context.Context, processID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.processes[processID]; !ok {
			return fmt.Errorf("%w: id=%s", ErrNotFound, processID)
		}
		delete(s.processes, processID)
		return nil
	})
}
