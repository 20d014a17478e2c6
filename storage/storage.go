package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrNotFound is returned when a process record does not exist.
	ErrNotFound = errors.New("process not found")
	// ErrVersionConflict is returned when a concurrent writer saved the record first.
	ErrVersionConflict = errors.New("process version conflict")
	// ErrInvalidID is returned for empty process or workflow ids.
	ErrInvalidID = errors.New("invalid process id")
)

// Storage persists process records. Implementations must let at most one
// concurrent writer succeed per record: Save compares Version against the
// stored record, fails with ErrVersionConflict on mismatch and bumps Version
// on success.
type Storage interface {
	// Get retrieves a process by id.
	Get(ctx context.Context, processID string) (types.Process, error)

	// List returns the processes of workflowID matching filter. An empty
	// workflowID lists every workflow.
	List(ctx context.Context, workflowID string, filter Filter) ([]types.Process, error)

	// Save inserts or updates a process and advances p.Version.
	Save(ctx context.Context, p *types.Process) error

	// Delete removes a process record.
	Delete(ctx context.Context, processID string) error
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State           string
	SourceForm      string
	SourceRecordID  string
	OnlyOrphaned    bool
	ExcludeOrphaned bool
}

// Match reports whether p satisfies the filter.
func (f Filter) Match(p types.Process) bool {
	if f.State != "" && p.CurrentState != f.State {
		return false
	}
	if f.SourceForm != "" && p.SourceForm != f.SourceForm {
		return false
	}
	if f.SourceRecordID != "" && p.SourceRecordID != f.SourceRecordID {
		return false
	}
	if f.OnlyOrphaned && !p.Orphaned {
		return false
	}
	if f.ExcludeOrphaned && p.Orphaned {
		return false
	}
	return true
}

// sortProcesses orders by creation time, then id.
func sortProcesses(ps []types.Process) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
