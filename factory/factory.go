// Package factory builds process records from form submissions.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/process-engine/placeholder"
	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrInvalidProcess is wrapped by every ValidationError.
	ErrInvalidProcess = errors.New("invalid process")
	// ErrNoInitialState is returned for workflows without states.
	ErrNoInitialState = errors.New("workflow has no initial state")
	// ErrFormNotBound is returned when the form does not feed the workflow.
	ErrFormNotBound = errors.New("form is not bound to workflow")
)

// idTimeLayout is the UTC timestamp segment of process ids.
const idTimeLayout = "20060102150405"

// ValidationError lists every structural problem of a process.
type ValidationError struct {
	ProcessID string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid process %q: %s", e.ProcessID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidProcess }

// Factory creates processes. Ids are unique within a workflow: the workflow
// id, the UTC creation second and a snowflake id from the generator.
type Factory struct {
	generate generator.Generator
	clock    types.Clock
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock sets the clock used for ids and timestamps.
func WithClock(c types.Clock) Option {
	return func(f *Factory) {
		if c != nil {
			f.clock = c
		}
	}
}

// New creates a Factory drawing disambiguators from generate.
func New(generate generator.Generator, opts ...Option) (*Factory, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	f := &Factory{generate: generate, clock: types.UTCClock{}}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewID returns a fresh process id for workflowID.
func (f *Factory) NewID(workflowID string) (string, error) {
	n, err := f.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return fmt.Sprintf("%s-%s-%d", workflowID, f.clock.Now().UTC().Format(idTimeLayout), n), nil
}

// CreateFromForm builds a process for record submitted on formPath. The
// process starts in the workflow's initial state with a single form_save
// history entry. Field mappings of the binding add templated values to the
// data snapshot.
func (f *Factory) CreateFromForm(wf types.WorkflowDefinition, formPath string, record types.FormRecord) (types.Process, error) {
	initial, ok := wf.InitialState()
	if !ok {
		return types.Process{}, fmt.Errorf("%w: %s", ErrNoInitialState, wf.ID)
	}
	binding, ok := wf.FormBinding(formPath)
	if !ok {
		return types.Process{}, fmt.Errorf("%w: form=%s workflow=%s", ErrFormNotBound, formPath, wf.ID)
	}

	id, err := f.NewID(wf.ID)
	if err != nil {
		return types.Process{}, err
	}
	now := f.clock.Now().UTC()

	data := Snapshot(wf, binding, record)
	fields := templateFields(wf, formPath, record)

	title := fmt.Sprintf("%s #%s", workflowName(wf), record.ID)
	if binding.TitleTemplate != "" {
		title = placeholder.Substitute(binding.TitleTemplate, fields)
	}
	var description string
	if binding.DescriptionTemplate != "" {
		description = placeholder.Substitute(binding.DescriptionTemplate, fields)
	}

	return types.Process{
		ID:             id,
		WorkflowID:     wf.ID,
		CurrentState:   initial.ID,
		Title:          title,
		Description:    description,
		SourceForm:     formPath,
		SourceRecordID: record.ID,
		Data:           data,
		History: []types.HistoryEntry{{
			Timestamp: now,
			ToState:   initial.ID,
			Actor:     types.ActorSystem,
			ActorType: types.ActorSystem,
			Trigger:   types.TriggerFormSave,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Snapshot copies the record data and adds the templated field mappings of
// binding.
func Snapshot(wf types.WorkflowDefinition, binding types.FormBinding, record types.FormRecord) map[string]interface{} {
	data := types.CopyMap(record.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	if len(binding.FieldMappings) == 0 {
		return data
	}
	fields := templateFields(wf, binding.FormPath, record)
	for key, tmpl := range binding.FieldMappings {
		data[key] = placeholder.Substitute(tmpl, fields)
	}
	return data
}

// Clone deep-copies p under a fresh id with an empty history. The clone is
// unsaved (Version zero) and live: orphan state is not carried over.
func (f *Factory) Clone(p types.Process) (types.Process, error) {
	id, err := f.NewID(p.WorkflowID)
	if err != nil {
		return types.Process{}, err
	}
	now := f.clock.Now().UTC()

	out := p.Copy()
	out.ID = id
	out.History = []types.HistoryEntry{}
	out.Version = 0
	out.CascadeDepth = 0
	out.Orphaned = false
	out.OrphanedAt = nil
	out.SourceForm = p.OriginalSourceForm()
	out.CreatedAt = now
	out.UpdatedAt = now
	return out, nil
}

// ValidateStructure checks that p is complete and consistent with wf.
func (f *Factory) ValidateStructure(p types.Process, wf types.WorkflowDefinition) error {
	return ValidateStructure(p, wf)
}

// ValidateStructure checks that p is complete and consistent with wf.
func ValidateStructure(p types.Process, wf types.WorkflowDefinition) error {
	var problems []string
	if p.ID == "" {
		problems = append(problems, "process id is empty")
	}
	if p.WorkflowID == "" {
		problems = append(problems, "workflow id is empty")
	} else if p.WorkflowID != wf.ID {
		problems = append(problems, fmt.Sprintf("workflow id %q does not match workflow %q", p.WorkflowID, wf.ID))
	}
	if p.SourceForm == "" {
		problems = append(problems, "source form is empty")
	}
	if p.SourceRecordID == "" {
		problems = append(problems, "source record id is empty")
	}
	if p.CreatedAt.IsZero() {
		problems = append(problems, "created_at is not set")
	}
	if p.CurrentState == "" {
		problems = append(problems, "current state is empty")
	} else if _, ok := wf.State(p.CurrentState); !ok {
		problems = append(problems, fmt.Sprintf("current state %q is not a state of %s", p.CurrentState, wf.ID))
	}
	if n := len(p.History); n > 0 && p.History[n-1].ToState != p.CurrentState {
		problems = append(problems, fmt.Sprintf("last history entry ends in %q, current state is %q",
			p.History[n-1].ToState, p.CurrentState))
	}
	for i, h := range p.History {
		if _, ok := wf.State(h.ToState); !ok {
			problems = append(problems, fmt.Sprintf("history[%d] targets unknown state %q", i, h.ToState))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{ProcessID: p.ID, Problems: problems}
	}
	return nil
}

func workflowName(wf types.WorkflowDefinition) string {
	if wf.Name != "" {
		return wf.Name
	}
	return wf.ID
}

// templateFields is the record data plus record_id, workflow_id,
// workflow_name and form_path. Record fields take precedence.
func templateFields(wf types.WorkflowDefinition, formPath string, record types.FormRecord) map[string]interface{} {
	fields := types.CopyMap(record.Data)
	if fields == nil {
		fields = make(map[string]interface{}, 4)
	}
	for k, v := range map[string]interface{}{
		"record_id":     record.ID,
		"workflow_id":   wf.ID,
		"workflow_name": workflowName(wf),
		"form_path":     formPath,
	} {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return fields
}
