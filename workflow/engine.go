package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/factory"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/prerequisites"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Standard error definitions
var (
	ErrUnknownState          = errors.New("unknown state")
	ErrNoTransition          = errors.New("no transition between states")
	ErrJustificationRequired = errors.New("forced transition requires a justification")
)

const (
	// DefaultMaxCascadeDepth bounds automatic transitions per cascade.
	DefaultMaxCascadeDepth = 3
	// DefaultConcurrency bounds processes evaluated in parallel by a batch.
	DefaultConcurrency = 4
)

// Definitions resolves workflow definitions.
type Definitions interface {
	Get(workflowID string) (types.WorkflowDefinition, error)
	Workflows() []types.WorkflowDefinition
}

// Decision is a due automatic transition.
type Decision struct {
	ToState string `json:"to_state"`
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

// CascadeResult is the outcome of a cascade. LimitReached is informational:
// the cascade stopped because of the depth bound, not because of an error.
type CascadeResult struct {
	Process      types.Process `json:"process"`
	Transitions  []Decision    `json:"transitions"`
	LimitReached bool          `json:"limit_reached"`
}

// ForceCheck reports whether a transition can be forced. Warnings list the
// unsatisfied prerequisites of the edge; they never block.
type ForceCheck struct {
	Allowed  bool                   `json:"allowed"`
	Reason   string                 `json:"reason,omitempty"`
	Warnings []prerequisites.Result `json:"warnings"`
}

// Engine drives processes through their workflows. Automatic progression is
// gated by prerequisites; manual and forced progression only by the graph.
// The engine holds no per-call state and may be shared between goroutines.
type Engine struct {
	defs            Definitions
	evaluator       *prerequisites.Evaluator
	store           storage.Storage
	publisher       events.Publisher
	clock           types.Clock
	maxCascadeDepth int
	concurrency     int
	logger          *slog.Logger
	metrics         *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for history timestamps and timeouts.
func WithClock(c types.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithMaxCascadeDepth sets the cascade bound.
func WithMaxCascadeDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCascadeDepth = n
		}
	}
}

// WithConcurrency sets how many processes a batch evaluates in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an Engine. A nil evaluator gets the default evaluator and
// a nil store an in-memory store.
func NewEngine(defs Definitions, evaluator *prerequisites.Evaluator, store storage.Storage, opts ...Option) (*Engine, error) {
	if defs == nil {
		return nil, errors.New("workflow definitions are required")
	}
	if evaluator == nil {
		evaluator = prerequisites.NewEvaluator()
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		defs:            defs,
		evaluator:       evaluator,
		store:           store,
		clock:           types.UTCClock{},
		maxCascadeDepth: DefaultMaxCascadeDepth,
		concurrency:     DefaultConcurrency,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Storage returns the store the engine persists to.
func (e *Engine) Storage() storage.Storage {
	return e.store
}

// MaxCascadeDepth returns the configured cascade bound.
func (e *Engine) MaxCascadeDepth() int {
	return e.maxCascadeDepth
}

// ShouldAutoTransition returns the automatic transition due for p, or nil.
// A state timeout measured from the last transition wins over prerequisites;
// otherwise the auto_transition_to edge is taken when all of its
// prerequisites are satisfied. Final states never move automatically.
func (e *Engine) ShouldAutoTransition(ctx context.Context, p types.Process) (*Decision, error) {
	wf, state, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	if state.IsFinal || state.AutoTransitionTo == "" {
		return nil, nil
	}

	if state.Timeout != nil {
		if limit := state.Timeout.Duration(); limit > 0 {
			elapsed := e.clock.Now().UTC().Sub(p.LastTransitionAt().UTC())
			if elapsed >= limit {
				return &Decision{
					ToState: state.AutoTransitionTo,
					Trigger: types.TriggerTimeout,
					Reason:  fmt.Sprintf("%s in state %s exceeds timeout %s", elapsed.Round(time.Second), state.ID, limit),
				}, nil
			}
		}
	}

	edge, ok := wf.Transition(state.ID, state.AutoTransitionTo)
	if !ok {
		return nil, fmt.Errorf("%w: %s->%s", ErrNoTransition, state.ID, state.AutoTransitionTo)
	}
	if !e.evaluator.AreAllSatisfied(ctx, edge.Prerequisites, p, wf) {
		return nil, nil
	}
	return &Decision{
		ToState: state.AutoTransitionTo,
		Trigger: types.TriggerAuto,
		Reason:  fmt.Sprintf("%d prerequisites satisfied", len(edge.Prerequisites)),
	}, nil
}

// ExecuteTransition moves p to toState and appends a history entry. It only
// requires the edge to exist; prerequisites are not re-checked. The input is
// not modified.
func (e *Engine) ExecuteTransition(ctx context.Context, p types.Process, toState, actor, actorType, trigger string) (types.Process, error) {
	return e.apply(p, toState, types.HistoryEntry{
		Actor:     actor,
		ActorType: actorType,
		Trigger:   trigger,
	})
}

// ExecuteCascadeProgression applies due automatic transitions one after the
// other until none is due or the depth bound is reached.
func (e *Engine) ExecuteCascadeProgression(ctx context.Context, p types.Process) (CascadeResult, error) {
	cur := p.Copy()
	cur.CascadeDepth = 0
	res := CascadeResult{Process: cur}

	for {
		d, err := e.ShouldAutoTransition(ctx, cur)
		if err != nil {
			res.Process = cur
			return res, err
		}
		if d == nil {
			break
		}
		// Only a transition that is still due after the bound counts as hitting it.
		if cur.CascadeDepth >= e.maxCascadeDepth {
			res.LimitReached = true
			e.logger.Info("cascade limit reached",
				"process_id", cur.ID, "workflow_id", cur.WorkflowID, "state", cur.CurrentState,
				"depth", cur.CascadeDepth, "pending", d.ToState)
			break
		}

		next, err := e.ExecuteTransition(ctx, cur, d.ToState, types.ActorSystem, types.ActorSystem, d.Trigger)
		if err != nil {
			res.Process = cur
			return res, err
		}
		next.CascadeDepth = cur.CascadeDepth + 1
		cur = next
		res.Transitions = append(res.Transitions, *d)
		e.logger.Debug("automatic transition",
			"process_id", cur.ID, "to", d.ToState, "trigger", d.Trigger, "reason", d.Reason)
	}

	res.Process = cur
	return res, nil
}

// CanForceTransition reports whether p can be forced into toState. Allowed is
// true exactly when the edge exists.
func (e *Engine) CanForceTransition(ctx context.Context, p types.Process, toState string) (ForceCheck, error) {
	wf, state, err := e.resolve(p)
	if err != nil {
		return ForceCheck{}, err
	}
	edge, ok := wf.Transition(state.ID, toState)
	if !ok {
		return ForceCheck{Reason: fmt.Sprintf("no transition %s->%s in %s", state.ID, toState, wf.ID)}, nil
	}
	return ForceCheck{
		Allowed:  true,
		Warnings: e.evaluator.Unsatisfied(ctx, edge.Prerequisites, p, wf),
	}, nil
}

// ExecuteForcedTransition moves p to toState regardless of prerequisites.
// The justification is mandatory and recorded in the history entry, whose
// trigger reads "FORCED: <justification>". The returned warnings list the
// prerequisites that were bypassed.
func (e *Engine) ExecuteForcedTransition(ctx context.Context, p types.Process, toState, actor, justification string) (types.Process, []prerequisites.Result, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return types.Process{}, nil, ErrJustificationRequired
	}
	check, err := e.CanForceTransition(ctx, p, toState)
	if err != nil {
		return types.Process{}, nil, err
	}
	if !check.Allowed {
		return types.Process{}, nil, fmt.Errorf("%w: %s", ErrNoTransition, check.Reason)
	}

	out, err := e.apply(p, toState, types.HistoryEntry{
		Actor:         actor,
		ActorType:     types.ActorUser,
		Trigger:       fmt.Sprintf("%s: %s", types.TriggerForced, justification),
		Forced:        true,
		Justification: justification,
	})
	if err != nil {
		return types.Process{}, nil, err
	}
	e.logger.Warn("transition forced",
		"process_id", p.ID, "from", p.CurrentState, "to", toState, "actor", actor,
		"justification", justification, "bypassed", len(check.Warnings))
	return out, check.Warnings, nil
}

// ExecuteManualTransition moves p to toState on behalf of actor. Unsatisfied
// prerequisites are returned as warnings and never block.
func (e *Engine) ExecuteManualTransition(ctx context.Context, p types.Process, toState, actor, actorType string) (types.Process, []prerequisites.Result, error) {
	check, err := e.CanForceTransition(ctx, p, toState)
	if err != nil {
		return types.Process{}, nil, err
	}
	if !check.Allowed {
		return types.Process{}, nil, fmt.Errorf("%w: %s", ErrNoTransition, check.Reason)
	}
	if actorType == "" {
		actorType = types.ActorUser
	}
	out, err := e.apply(p, toState, types.HistoryEntry{
		Actor:     actor,
		ActorType: actorType,
		Trigger:   types.TriggerManual,
	})
	if err != nil {
		return types.Process{}, nil, err
	}
	return out, check.Warnings, nil
}

// apply validates the edge and appends entry, completed with the states and
// the current time.
func (e *Engine) apply(p types.Process, toState string, entry types.HistoryEntry) (types.Process, error) {
	wf, state, err := e.resolve(p)
	if err != nil {
		return types.Process{}, err
	}
	if _, ok := wf.State(toState); !ok {
		return types.Process{}, fmt.Errorf("%w: %q in workflow %s", ErrUnknownState, toState, wf.ID)
	}
	if _, ok := wf.Transition(state.ID, toState); !ok {
		return types.Process{}, fmt.Errorf("%w: %s->%s in workflow %s", ErrNoTransition, state.ID, toState, wf.ID)
	}

	now := e.clock.Now().UTC()
	entry.Timestamp = now
	entry.FromState = state.ID
	entry.ToState = toState

	out := p.Copy()
	out.History = append(out.History, entry)
	out.CurrentState = toState
	out.UpdatedAt = now
	return out, nil
}

// resolve returns the workflow of p and its current state.
func (e *Engine) resolve(p types.Process) (types.WorkflowDefinition, types.State, error) {
	wf, err := e.defs.Get(p.WorkflowID)
	if err != nil {
		return types.WorkflowDefinition{}, types.State{}, err
	}
	state, ok := wf.State(p.CurrentState)
	if !ok {
		return types.WorkflowDefinition{}, types.State{}, fmt.Errorf("%w: process %s is in %q, not a state of %s",
			ErrUnknownState, p.ID, p.CurrentState, wf.ID)
	}
	return wf, state, nil
}

// Commit validates and saves p, then announces the history entries from
// index from onwards and, when limitReached, the cascade stop.
func (e *Engine) Commit(ctx context.Context, p *types.Process, from int, limitReached bool) error {
	wf, err := e.defs.Get(p.WorkflowID)
	if err != nil {
		return err
	}
	if err := factory.ValidateStructure(*p, wf); err != nil {
		return err
	}
	if err := e.store.Save(ctx, p); err != nil {
		return fmt.Errorf("failed to save process %s: %w", p.ID, err)
	}

	if from < 0 {
		from = 0
	}
	for _, h := range p.History[min(from, len(p.History)):] {
		e.metrics.Transition(p.WorkflowID, h.Trigger)
		e.publishEvent(ctx, events.StateChanged, *p, map[string]interface{}{
			"from":       h.FromState,
			"to":         h.ToState,
			"actor":      h.Actor,
			"actor_type": h.ActorType,
			"trigger":    h.Trigger,
		})
		if h.Forced {
			e.publishEvent(ctx, events.TransitionForced, *p, map[string]interface{}{
				"from":          h.FromState,
				"to":            h.ToState,
				"actor":         h.Actor,
				"justification": h.Justification,
			})
		}
	}
	if limitReached {
		e.metrics.CascadeLimitReached(p.WorkflowID)
		e.publishEvent(ctx, events.CascadeLimitReached, *p, map[string]interface{}{
			"state":     p.CurrentState,
			"max_depth": e.maxCascadeDepth,
		})
	}
	return nil
}

// publishEvent publishes an event if a publisher is configured.
func (e *Engine) publishEvent(ctx context.Context, eventType string, p types.Process, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		ProcessID:  p.ID,
		WorkflowID: p.WorkflowID,
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event", "event", eventType, "process_id", p.ID, "error", err)
	}
}
