package workflow

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/prerequisites"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// BatchItemError records the failure of one process in a batch.
type BatchItemError struct {
	ProcessID string `json:"process_id"`
	Err       error  `json:"-"`
}

func (e BatchItemError) Error() string {
	return fmt.Sprintf("process %s: %v", e.ProcessID, e.Err)
}

func (e BatchItemError) Unwrap() error { return e.Err }

// BatchReport aggregates a batch run. Moved holds the cascades that executed
// at least one transition.
type BatchReport struct {
	ProcessesChecked     int              `json:"processes_checked"`
	TransitionsExecuted  int              `json:"transitions_executed"`
	CascadesTriggered    int              `json:"cascades_triggered"`
	CascadeLimitsReached int              `json:"cascade_limits_reached"`
	Errors               []BatchItemError `json:"-"`
	Moved                []CascadeResult  `json:"moved"`
}

// ErrorMessages renders Errors for reporting.
func (r BatchReport) ErrorMessages() []string {
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// PendingTransition is a process eligible for an automatic transition.
type PendingTransition struct {
	ProcessID  string   `json:"process_id"`
	WorkflowID string   `json:"workflow_id"`
	FromState  string   `json:"from_state"`
	Decision   Decision `json:"decision"`
}

type itemOutcome struct {
	result CascadeResult
	err    error
}

// ProcessAllAutoTransitions runs a cascade on every process. A failing or
// panicking process is recorded in Errors and never stops the others.
// Nothing is persisted.
func (e *Engine) ProcessAllAutoTransitions(ctx context.Context, processes []types.Process) BatchReport {
	return e.runBatch(ctx, processes, false)
}

// Sweep lists every open process of every registered workflow, runs its
// cascade and persists the processes that moved. Open means neither final
// nor orphaned.
func (e *Engine) Sweep(ctx context.Context) (BatchReport, error) {
	start := e.clock.Now()
	defer e.metrics.ObserveSweep(start)

	open, err := e.OpenProcesses(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	report := e.runBatch(ctx, open, true)

	e.metrics.BatchFailures(len(report.Errors))
	e.logger.Info("sweep completed",
		"checked", report.ProcessesChecked,
		"transitions", report.TransitionsExecuted,
		"cascades", report.CascadesTriggered,
		"errors", len(report.Errors))
	if e.publisher != nil {
		err := e.publisher.Publish(ctx, events.Event{
			Type: events.SweepCompleted,
			Data: map[string]interface{}{
				"processes_checked":    report.ProcessesChecked,
				"transitions_executed": report.TransitionsExecuted,
				"errors":               len(report.Errors),
			},
		})
		if err != nil {
			e.logger.Debug("sweep event not delivered", "error", err)
		}
	}
	return report, nil
}

// OpenProcesses lists the processes a sweep considers.
func (e *Engine) OpenProcesses(ctx context.Context) ([]types.Process, error) {
	var open []types.Process
	for _, wf := range e.defs.Workflows() {
		procs, err := e.store.List(ctx, wf.ID, storage.Filter{ExcludeOrphaned: true})
		if err != nil {
			return nil, fmt.Errorf("failed to list processes of %s: %w", wf.ID, err)
		}
		for _, p := range procs {
			if s, ok := wf.State(p.CurrentState); ok && s.IsFinal {
				continue
			}
			open = append(open, p)
		}
	}
	return open, nil
}

func (e *Engine) runBatch(ctx context.Context, processes []types.Process, persist bool) BatchReport {
	outcomes := make([]itemOutcome, len(processes))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range processes {
		i := i
		g.Go(func() error {
			outcomes[i] = e.runItem(ctx, processes[i], persist)
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{ProcessesChecked: len(processes)}
	for i, o := range outcomes {
		if o.err != nil {
			report.Errors = append(report.Errors, BatchItemError{ProcessID: processes[i].ID, Err: o.err})
			e.logger.Error("batch item failed", "process_id", processes[i].ID, "error", o.err)
			continue
		}
		if n := len(o.result.Transitions); n > 0 {
			report.TransitionsExecuted += n
			report.CascadesTriggered++
			report.Moved = append(report.Moved, o.result)
		}
		if o.result.LimitReached {
			report.CascadeLimitsReached++
		}
	}
	return report
}

func (e *Engine) runItem(ctx context.Context, p types.Process, persist bool) (out itemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = itemOutcome{err: fmt.Errorf("panic occurred: %v", r)}
		}
	}()

	res, err := e.ExecuteCascadeProgression(ctx, p)
	if err != nil {
		return itemOutcome{err: err}
	}
	if persist && len(res.Transitions) > 0 {
		if err := e.Commit(ctx, &res.Process, len(p.History), res.LimitReached); err != nil {
			return itemOutcome{err: err}
		}
	}
	return itemOutcome{result: res}
}

// PendingAutoTransitions is a dry run listing the processes for which an
// automatic or timeout transition is currently due.
func (e *Engine) PendingAutoTransitions(ctx context.Context, processes []types.Process) ([]PendingTransition, []BatchItemError) {
	decisions := make([]*Decision, len(processes))
	errs := make([]error, len(processes))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range processes {
		i := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic occurred: %v", r)
				}
			}()
			decisions[i], errs[i] = e.ShouldAutoTransition(ctx, processes[i])
			return nil
		})
	}
	_ = g.Wait()

	var (
		pending  []PendingTransition
		failures []BatchItemError
	)
	for i, p := range processes {
		if errs[i] != nil {
			failures = append(failures, BatchItemError{ProcessID: p.ID, Err: errs[i]})
			continue
		}
		if decisions[i] != nil {
			pending = append(pending, PendingTransition{
				ProcessID:  p.ID,
				WorkflowID: p.WorkflowID,
				FromState:  p.CurrentState,
				Decision:   *decisions[i],
			})
		}
	}
	return pending, failures
}

// Advance loads a process, runs its cascade and persists the result when it moved.
func (e *Engine) Advance(ctx context.Context, processID string) (CascadeResult, error) {
	p, err := e.store.Get(ctx, processID)
	if err != nil {
		return CascadeResult{}, err
	}
	res, err := e.ExecuteCascadeProgression(ctx, p)
	if err != nil {
		return res, err
	}
	if len(res.Transitions) > 0 {
		if err := e.Commit(ctx, &res.Process, len(p.History), res.LimitReached); err != nil {
			return res, err
		}
	}
	return res, nil
}

// TransitionRequest asks for a manual or forced transition.
type TransitionRequest struct {
	To            string `json:"to"`
	Actor         string `json:"actor"`
	ActorType     string `json:"actor_type"`
	Justification string `json:"justification"`
	Force         bool   `json:"force"`
}

// TransitionOutcome is the persisted result of a requested transition.
type TransitionOutcome struct {
	Process      types.Process          `json:"process"`
	Warnings     []prerequisites.Result `json:"warnings"`
	Cascade      []Decision             `json:"cascade"`
	LimitReached bool                   `json:"limit_reached"`
}

// RequestTransition loads a process, applies a manual or forced transition,
// lets automatic progression continue from the new state and persists the
// result. A forced request needs a justification.
func (e *Engine) RequestTransition(ctx context.Context, processID string, req TransitionRequest) (TransitionOutcome, error) {
	if req.Force && strings.TrimSpace(req.Justification) == "" {
		return TransitionOutcome{}, ErrJustificationRequired
	}
	p, err := e.store.Get(ctx, processID)
	if err != nil {
		return TransitionOutcome{}, err
	}

	var (
		moved    types.Process
		warnings []prerequisites.Result
	)
	if req.Force {
		moved, warnings, err = e.ExecuteForcedTransition(ctx, p, req.To, req.Actor, req.Justification)
	} else {
		moved, warnings, err = e.ExecuteManualTransition(ctx, p, req.To, req.Actor, req.ActorType)
	}
	if err != nil {
		return TransitionOutcome{}, err
	}

	res, err := e.ExecuteCascadeProgression(ctx, moved)
	if err != nil {
		// the requested transition stands even if automatic progression fails
		e.logger.Warn("cascade after transition failed", "process_id", p.ID, "error", err)
		res = CascadeResult{Process: moved}
	}
	if err := e.Commit(ctx, &res.Process, len(p.History), res.LimitReached); err != nil {
		return TransitionOutcome{}, err
	}
	return TransitionOutcome{
		Process:      res.Process,
		Warnings:     warnings,
		Cascade:      res.Transitions,
		LimitReached: res.LimitReached,
	}, nil
}
