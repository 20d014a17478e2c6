// Package lifecycle keeps processes in step with the form records that feed
// them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/factory"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

// Definitions resolves workflows and the forms bound to them.
type Definitions interface {
	Get(workflowID string) (types.WorkflowDefinition, error)
	WorkflowsForForm(formPath string) []string
}

// RecordSource lists the current records of a form.
type RecordSource interface {
	Records(ctx context.Context, formPath string) ([]types.FormRecord, error)
}

// RecordSourceFunc adapts a function to RecordSource.
type RecordSourceFunc func(ctx context.Context, formPath string) ([]types.FormRecord, error)

// Records implements RecordSource.
func (f RecordSourceFunc) Records(ctx context.Context, formPath string) ([]types.FormRecord, error) {
	return f(ctx, formPath)
}

// StaticRecords serves a fixed record set for every form.
func StaticRecords(records []types.FormRecord) RecordSource {
	return RecordSourceFunc(func(context.Context, string) ([]types.FormRecord, error) {
		return records, nil
	})
}

// SyncResult counts the changes of a reconciliation.
type SyncResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Orphaned int `json:"orphaned"`
}

// Hook reacts to form record changes.
type Hook struct {
	defs      Definitions
	factory   *factory.Factory
	engine    *workflow.Engine
	store     storage.Storage
	publisher events.Publisher
	clock     types.Clock
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// Option configures a Hook.
type Option func(*Hook)

// WithPublisher sets where lifecycle changes are announced.
func WithPublisher(p events.Publisher) Option {
	return func(h *Hook) {
		h.publisher = p
	}
}

// WithClock sets the clock used for orphan timestamps.
func WithClock(c types.Clock) Option {
	return func(h *Hook) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hook) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Hook) {
		h.metrics = m
	}
}

// New creates a Hook persisting through the engine's storage.
func New(defs Definitions, f *factory.Factory, engine *workflow.Engine, opts ...Option) (*Hook, error) {
	if defs == nil || f == nil || engine == nil {
		return nil, errors.New("definitions, factory and engine are required")
	}
	h := &Hook{
		defs:    defs,
		factory: f,
		engine:  engine,
		store:   engine.Storage(),
		clock:   types.UTCClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// OnFormCreated creates a process for every workflow bound to formPath with
// auto_create enabled. Each new process runs its cascade before it is saved.
// A binding that already has a live process for the record is skipped. One
// failing binding never stops the others; their errors are joined.
func (h *Hook) OnFormCreated(ctx context.Context, formPath string, record types.FormRecord) ([]types.Process, error) {
	var (
		created []types.Process
		errs    []error
	)
	for _, wfID := range h.defs.WorkflowsForForm(formPath) {
		p, ok, err := h.createFor(ctx, wfID, formPath, record)
		if err != nil {
			h.logger.Error("process creation failed",
				"workflow_id", wfID, "form_path", formPath, "record_id", record.ID, "error", err)
			errs = append(errs, fmt.Errorf("workflow %s: %w", wfID, err))
			continue
		}
		if ok {
			created = append(created, p)
		}
	}
	return created, errors.Join(errs...)
}

func (h *Hook) createFor(ctx context.Context, wfID, formPath string, record types.FormRecord) (p types.Process, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred: %v", r)
		}
	}()

	wf, err := h.defs.Get(wfID)
	if err != nil {
		return types.Process{}, false, err
	}
	binding, found := wf.FormBinding(formPath)
	if !found || !binding.AutoCreate {
		return types.Process{}, false, nil
	}

	existing, err := h.store.List(ctx, wfID, storage.Filter{
		SourceForm:      formPath,
		SourceRecordID:  record.ID,
		ExcludeOrphaned: true,
	})
	if err != nil {
		return types.Process{}, false, err
	}
	if len(existing) > 0 {
		h.logger.Debug("process already exists", "workflow_id", wfID, "process_id", existing[0].ID, "record_id", record.ID)
		return types.Process{}, false, nil
	}

	p, err = h.factory.CreateFromForm(wf, formPath, record)
	if err != nil {
		return types.Process{}, false, err
	}
	res, err := h.engine.ExecuteCascadeProgression(ctx, p)
	if err != nil {
		return types.Process{}, false, err
	}
	if err := h.engine.Commit(ctx, &res.Process, len(p.History), res.LimitReached); err != nil {
		return types.Process{}, false, err
	}

	h.metrics.ProcessCreated(wfID)
	h.publish(ctx, events.ProcessCreated, res.Process, map[string]interface{}{
		"form_path": formPath,
		"record_id": record.ID,
		"state":     res.Process.CurrentState,
	})
	h.logger.Info("process created",
		"process_id", res.Process.ID, "workflow_id", wfID, "state", res.Process.CurrentState)
	return res.Process, true, nil
}

// OnFormUpdated refreshes the data snapshot of the live processes linked to
// the record. The current state is never changed.
func (h *Hook) OnFormUpdated(ctx context.Context, formPath string, record types.FormRecord) ([]types.Process, error) {
	linked, err := h.store.List(ctx, "", storage.Filter{
		SourceForm:      formPath,
		SourceRecordID:  record.ID,
		ExcludeOrphaned: true,
	})
	if err != nil {
		return nil, err
	}

	var (
		updated []types.Process
		errs    []error
	)
	for _, p := range linked {
		out, changed, err := h.refresh(ctx, p, record)
		if err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", p.ID, err))
			continue
		}
		if changed {
			updated = append(updated, out)
		}
	}
	return updated, errors.Join(errs...)
}

// refresh rewrites the snapshot of p from record. Unchanged snapshots are not
// saved.
func (h *Hook) refresh(ctx context.Context, p types.Process, record types.FormRecord) (types.Process, bool, error) {
	wf, err := h.defs.Get(p.WorkflowID)
	if err != nil {
		return p, false, err
	}
	binding, _ := wf.FormBinding(p.SourceForm)
	binding.FormPath = p.SourceForm

	data := factory.Snapshot(wf, binding, record)
	if reflect.DeepEqual(data, p.Data) {
		return p, false, nil
	}

	out := p.Copy()
	out.Data = data
	out.UpdatedAt = h.clock.Now().UTC()
	if err := h.store.Save(ctx, &out); err != nil {
		return p, false, err
	}
	h.publish(ctx, events.ProcessUpdated, out, map[string]interface{}{
		"record_id": record.ID,
	})
	return out, true, nil
}

// OnFormDeleted retires the processes linked to a deleted record and returns
// how many were affected. By default they are marked orphaned and keep their
// history; hardDelete removes the records, orphaned ones included.
func (h *Hook) OnFormDeleted(ctx context.Context, formPath, recordID string, hardDelete bool) (int, error) {
	linked, err := h.store.List(ctx, "", storage.Filter{SourceForm: formPath, SourceRecordID: recordID})
	if err != nil {
		return 0, err
	}
	if hardDelete {
		orphaned, err := h.store.List(ctx, "", storage.Filter{
			SourceForm:     types.OrphanMarker + formPath,
			SourceRecordID: recordID,
		})
		if err != nil {
			return 0, err
		}
		linked = append(linked, orphaned...)
	}

	var (
		n    int
		errs []error
	)
	for _, p := range linked {
		if hardDelete {
			err = h.remove(ctx, p)
		} else {
			err = h.orphan(ctx, p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", p.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (h *Hook) orphan(ctx context.Context, p types.Process) error {
	now := h.clock.Now().UTC()
	out := p.Copy()
	out.Orphaned = true
	out.OrphanedAt = &now
	out.SourceForm = types.OrphanMarker + p.OriginalSourceForm()
	out.UpdatedAt = now
	if err := h.store.Save(ctx, &out); err != nil {
		return err
	}
	h.publish(ctx, events.ProcessOrphaned, out, map[string]interface{}{
		"form_path": p.OriginalSourceForm(),
		"record_id": p.SourceRecordID,
	})
	h.logger.Info("process orphaned", "process_id", p.ID, "workflow_id", p.WorkflowID, "record_id", p.SourceRecordID)
	return nil
}

func (h *Hook) remove(ctx context.Context, p types.Process) error {
	if err := h.store.Delete(ctx, p.ID); err != nil {
		return err
	}
	h.publish(ctx, events.ProcessDeleted, p, map[string]interface{}{
		"form_path": p.OriginalSourceForm(),
		"record_id": p.SourceRecordID,
	})
	h.logger.Info("process deleted", "process_id", p.ID, "workflow_id", p.WorkflowID)
	return nil
}

// SyncExistingForms reconciles the processes of formPath with the records
// source reports: records without a process get one, live processes get
// their snapshot refreshed and processes whose record vanished are orphaned.
func (h *Hook) SyncExistingForms(ctx context.Context, formPath string, source RecordSource) (SyncResult, error) {
	records, err := source.Records(ctx, formPath)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list records of %s: %w", formPath, err)
	}
	byID := make(map[string]types.FormRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	live, err := h.store.List(ctx, "", storage.Filter{SourceForm: formPath, ExcludeOrphaned: true})
	if err != nil {
		return SyncResult{}, err
	}

	var (
		res  SyncResult
		errs []error
	)
	for _, p := range live {
		record, ok := byID[p.SourceRecordID]
		if !ok {
			if err := h.orphan(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("process %s: %w", p.ID, err))
				continue
			}
			res.Orphaned++
			continue
		}
		_, changed, err := h.refresh(ctx, p, record)
		if err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", p.ID, err))
			continue
		}
		if changed {
			res.Updated++
		}
	}

	for _, r := range records {
		created, err := h.OnFormCreated(ctx, formPath, r)
		res.Created += len(created)
		if err != nil {
			errs = append(errs, err)
		}
	}

	h.logger.Info("form sync completed", "form_path", formPath,
		"created", res.Created, "updated", res.Updated, "orphaned", res.Orphaned)
	return res, errors.Join(errs...)
}

// CleanupOrphanedProcesses deletes processes orphaned at least olderThan ago
// and returns how many were deleted.
func (h *Hook) CleanupOrphanedProcesses(ctx context.Context, olderThan time.Duration) (int, error) {
	orphaned, err := h.store.List(ctx, "", storage.Filter{OnlyOrphaned: true})
	if err != nil {
		return 0, err
	}
	cutoff := h.clock.Now().UTC().Add(-olderThan)

	var (
		n    int
		errs []error
	)
	for _, p := range orphaned {
		if p.OrphanedAt == nil || p.OrphanedAt.UTC().After(cutoff) {
			continue
		}
		if err := h.remove(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", p.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (h *Hook) publish(ctx context.Context, eventType string, p types.Process, data map[string]interface{}) {
	if h.publisher == nil {
		return
	}
	err := h.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		ProcessID:  p.ID,
		WorkflowID: p.WorkflowID,
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		h.logger.Warn("failed to publish event", "event", eventType, "process_id", p.ID, "error", err)
	}
}
