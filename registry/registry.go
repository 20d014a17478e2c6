// Package registry holds the loaded workflow definitions and the mapping
// between workflows and the forms that feed them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNoPrimaryForm    = errors.New("workflow declares no primary form")
	ErrNoSource         = errors.New("registry has no definition source")
)

// Source produces the full set of workflow definitions, e.g. from disk.
type Source func(ctx context.Context) ([]types.WorkflowDefinition, error)

// snapshot is immutable once published.
type snapshot struct {
	workflows map[string]types.WorkflowDefinition
	order     []string
	forms     map[string][]string
}

// Registry maps workflow ids to definitions and form paths to workflows.
// Lookups read an immutable snapshot; Load and Reload build a new snapshot and
// swap it atomically.
type Registry struct {
	current  atomic.Pointer[snapshot]
	source   Source
	exprs    *rules.ExprEvaluator
	logger   *slog.Logger
	reloadMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithSource sets the source used by Reload.
func WithSource(src Source) Option {
	return func(r *Registry) { r.source = src }
}

// WithExprEvaluator sets the evaluator used to compile custom_script
// expressions at load time. Sharing it with the prerequisite evaluator reuses
// the compiled programs.
func WithExprEvaluator(x *rules.ExprEvaluator) Option {
	return func(r *Registry) {
		if x != nil {
			r.exprs = x
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default(), exprs: rules.NewExprEvaluator()}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&snapshot{
		workflows: map[string]types.WorkflowDefinition{},
		forms:     map[string][]string{},
	})
	return r
}

// Load validates defs and replaces the registry contents. Any invalid
// definition rejects the whole set and leaves the previous contents in place.
func (r *Registry) Load(defs []types.WorkflowDefinition) error {
	snap, err := build(defs, r.exprs)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	r.logger.Info("workflow definitions loaded", "workflows", len(snap.order), "forms", len(snap.forms))
	return nil
}

// Reload re-reads the configured source and swaps in the result.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return ErrNoSource
	}
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	defs, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("reload workflow definitions: %w", err)
	}
	if err := r.Load(defs); err != nil {
		r.logger.Error("workflow reload rejected, keeping previous definitions", "error", err)
		return err
	}
	return nil
}

func build(defs []types.WorkflowDefinition, exprs *rules.ExprEvaluator) (*snapshot, error) {
	snap := &snapshot{
		workflows: make(map[string]types.WorkflowDefinition, len(defs)),
		forms:     make(map[string][]string),
	}
	var errs []error
	for _, def := range defs {
		norm, err := normalize(def, exprs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := snap.workflows[norm.ID]; dup {
			errs = append(errs, &ConfigurationError{WorkflowID: norm.ID, Problems: []string{"duplicate workflow id"}})
			continue
		}
		snap.workflows[norm.ID] = norm
		snap.order = append(snap.order, norm.ID)
		for _, f := range norm.Forms {
			snap.forms[f.FormPath] = append(snap.forms[f.FormPath], norm.ID)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snap, nil
}

// Get returns the workflow definition with the given id.
func (r *Registry) Get(workflowID string) (types.WorkflowDefinition, error) {
	wf, ok := r.current.Load().workflows[workflowID]
	if !ok {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf, nil
}

// Workflows returns every definition in load order.
func (r *Registry) Workflows() []types.WorkflowDefinition {
	snap := r.current.Load()
	out := make([]types.WorkflowDefinition, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.workflows[id])
	}
	return out
}

// WorkflowsForForm returns the ids of workflows bound to formPath, in
// declaration order.
func (r *Registry) WorkflowsForForm(formPath string) []string {
	ids := r.current.Load().forms[formPath]
	return append([]string(nil), ids...)
}

// PrimaryForm returns the binding marked primary for workflowID.
func (r *Registry) PrimaryForm(workflowID string) (types.FormBinding, error) {
	wf, err := r.Get(workflowID)
	if err != nil {
		return types.FormBinding{}, err
	}
	for _, f := range wf.Forms {
		if f.Primary {
			return f, nil
		}
	}
	return types.FormBinding{}, fmt.Errorf("%w: %s", ErrNoPrimaryForm, workflowID)
}
