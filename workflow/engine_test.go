package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/factory"
	"github.com/songzhibin97/process-engine/prerequisites"
	"github.com/songzhibin97/process-engine/registry"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// panickyDefinitions panics when asked for one workflow.
type panickyDefinitions struct {
	Definitions
	panicFor string
}

func (d panickyDefinitions) Get(id string) (types.WorkflowDefinition, error) {
	if id == d.panicFor {
		panic("definition store corrupted")
	}
	return d.Definitions.Get(id)
}

func ordersWorkflow() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:   "orders",
		Name: "Orders",
		States: []types.State{
			{ID: "quote", IsInitial: true, AutoTransitionTo: "confirmed", Timeout: &types.Timeout{Hours: 48}},
			{ID: "confirmed", AutoTransitionTo: "shipped"},
			{ID: "shipped", IsFinal: true},
			{ID: "cancelled", IsFinal: true},
		},
		Transitions: []types.Transition{
			{From: "confirmed", To: "shipped", Type: types.TransitionSystem, Prerequisites: []types.Prerequisite{
				{Type: types.PrerequisiteFieldCheck, Field: "paid", Operator: types.OpEquals, Value: true, Message: "order must be paid"},
			}},
			{From: "confirmed", To: "cancelled", Type: types.TransitionManual, Prerequisites: []types.Prerequisite{
				{Type: types.PrerequisiteFieldCheck, Field: "refund_issued", Operator: types.OpIsTrue},
			}},
		},
		Forms: []types.FormBinding{{FormPath: "forms/order", Primary: true, AutoCreate: true}},
	}
}

// chainWorkflow is A->B->C->D->E with immediate automatic transitions.
func chainWorkflow() types.WorkflowDefinition {
	ids := []string{"A", "B", "C", "D", "E"}
	wf := types.WorkflowDefinition{ID: "chain"}
	for i, id := range ids {
		s := types.State{ID: id, IsInitial: i == 0}
		if i < len(ids)-1 {
			s.AutoTransitionTo = ids[i+1]
		} else {
			s.IsFinal = true
		}
		wf.States = append(wf.States, s)
	}
	return wf
}

// timedWorkflow waits in "review" until approved or until the timeout.
func timedWorkflow() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID: "timed",
		States: []types.State{
			{ID: "review", AutoTransitionTo: "escalated", Timeout: &types.Timeout{Hours: 1}},
			{ID: "escalated", IsFinal: true},
		},
		Transitions: []types.Transition{
			{From: "review", To: "escalated", Type: types.TransitionSystem, Prerequisites: []types.Prerequisite{
				{Type: types.PrerequisiteFieldCheck, Field: "approved", Operator: types.OpIsTrue},
			}},
		},
	}
}

type fixture struct {
	clock   *testClock
	reg     *registry.Registry
	store   *storage.MemoryStorage
	engine  *Engine
	factory *factory.Factory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New()
	require.NoError(t, reg.Load([]types.WorkflowDefinition{ordersWorkflow(), chainWorkflow(), timedWorkflow()}))
	store := storage.NewMemoryStorage()

	evaluator := prerequisites.NewEvaluator(prerequisites.WithClock(clock))
	engine, err := NewEngine(reg, evaluator, store, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)

	f, err := factory.New(&MockGenerator{}, factory.WithClock(clock))
	require.NoError(t, err)
	return &fixture{clock: clock, reg: reg, store: store, engine: engine, factory: f}
}

func (f *fixture) process(t *testing.T, workflowID, state string, data map[string]interface{}) types.Process {
	t.Helper()
	now := f.clock.Now()
	id, err := f.factory.NewID(workflowID)
	require.NoError(t, err)
	return types.Process{
		ID:             id,
		WorkflowID:     workflowID,
		CurrentState:   state,
		SourceForm:     "forms/test",
		SourceRecordID: "rec-" + id,
		Data:           data,
		History:        []types.HistoryEntry{{Timestamp: now, ToState: state, Actor: types.ActorSystem, ActorType: types.ActorSystem, Trigger: types.TriggerFormSave}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, nil, nil)
	assert.EqualError(t, err, "workflow definitions are required")

	e, err := NewEngine(registry.New(), nil, nil, WithMaxCascadeDepth(0), WithConcurrency(-1))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCascadeDepth, e.MaxCascadeDepth())
	assert.NotNil(t, e.Storage())
}

func TestCascadeStopsAtDepthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "chain", "A", nil)

	res, err := f.engine.ExecuteCascadeProgression(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "D", res.Process.CurrentState)
	assert.True(t, res.LimitReached)
	require.Len(t, res.Transitions, 3)
	assert.Equal(t, 3, res.Process.CascadeDepth)

	var path []string
	for _, h := range res.Process.History[1:] {
		path = append(path, h.FromState+"->"+h.ToState)
		assert.Equal(t, types.TriggerAuto, h.Trigger)
		assert.Equal(t, types.ActorSystem, h.Actor)
	}
	assert.Equal(t, []string{"A->B", "B->C", "C->D"}, path)
	assert.Equal(t, "A", p.CurrentState, "input is not modified")
	assert.Len(t, p.History, 1)

	next, err := f.engine.ExecuteCascadeProgression(ctx, res.Process)
	require.NoError(t, err)
	assert.Equal(t, "E", next.Process.CurrentState)
	assert.False(t, next.LimitReached)
	assert.Len(t, next.Transitions, 1)
}

func TestCascadeEndingExactlyAtBoundIsNotLimited(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.ExecuteCascadeProgression(context.Background(), f.process(t, "chain", "B", nil))
	require.NoError(t, err)
	assert.Equal(t, "E", res.Process.CurrentState)
	assert.Len(t, res.Transitions, 3)
	assert.Equal(t, 3, res.Process.CascadeDepth)
	assert.False(t, res.LimitReached, "nothing is due after the final state")

	d, err := f.engine.ShouldAutoTransition(context.Background(), res.Process)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestCascadeDepthIsConfigurable(t *testing.T) {
	f := newFixture(t, WithMaxCascadeDepth(10))
	res, err := f.engine.ExecuteCascadeProgression(context.Background(), f.process(t, "chain", "A", nil))
	require.NoError(t, err)
	assert.Equal(t, "E", res.Process.CurrentState)
	assert.Len(t, res.Transitions, 4)
	assert.False(t, res.LimitReached)
}

func TestOrdersScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.factory.CreateFromForm(ordersWorkflow(), "forms/order", types.FormRecord{ID: "1", Data: map[string]interface{}{"paid": false}})
	require.NoError(t, err)

	res, err := f.engine.ExecuteCascadeProgression(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", res.Process.CurrentState)
	assert.False(t, res.LimitReached)

	updated := res.Process.Copy()
	updated.Data["paid"] = true
	res, err = f.engine.ExecuteCascadeProgression(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, "shipped", res.Process.CurrentState)

	d, err := f.engine.ShouldAutoTransition(ctx, res.Process)
	require.NoError(t, err)
	assert.Nil(t, d, "final states never auto-transition")
}

func TestTimeoutTakesPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "timed", "review", map[string]interface{}{"approved": false})
	approved := f.process(t, "timed", "review", map[string]interface{}{"approved": true})

	d, err := f.engine.ShouldAutoTransition(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, d, "prerequisites unmet and timeout not elapsed")

	f.clock.Advance(59 * time.Minute)
	d, err = f.engine.ShouldAutoTransition(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, d)

	f.clock.Advance(time.Minute)
	d, err = f.engine.ShouldAutoTransition(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "escalated", d.ToState)
	assert.Equal(t, types.TriggerTimeout, d.Trigger)

	d, err = f.engine.ShouldAutoTransition(ctx, approved)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.TriggerTimeout, d.Trigger, "timeout wins even when prerequisites hold")

	res, err := f.engine.ExecuteCascadeProgression(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "escalated", res.Process.CurrentState)
	assert.Equal(t, types.TriggerTimeout, res.Process.History[1].Trigger)
}

func TestTimeoutMeasuredFromLastTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "orders", "quote", map[string]interface{}{"paid": false})
	p.CreatedAt = p.CreatedAt.Add(-72 * time.Hour)

	d, err := f.engine.ShouldAutoTransition(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.TriggerAuto, d.Trigger, "last history entry is recent, creation date is not used")

	p.History = nil
	d, err = f.engine.ShouldAutoTransition(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.TriggerTimeout, d.Trigger, "without history the creation date is the reference")
}

func TestShouldAutoTransitionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ShouldAutoTransition(ctx, f.process(t, "ghost", "A", nil))
	assert.ErrorIs(t, err, registry.ErrWorkflowNotFound)

	_, err = f.engine.ShouldAutoTransition(ctx, f.process(t, "orders", "limbo", nil))
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestExecuteTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false})
	f.clock.Advance(time.Hour)

	out, err := f.engine.ExecuteTransition(ctx, p, "shipped", "ada", types.ActorUser, types.TriggerManual)
	require.NoError(t, err, "prerequisites are not re-checked")
	assert.Equal(t, "shipped", out.CurrentState)
	require.Len(t, out.History, 2)
	h := out.History[1]
	assert.Equal(t, "confirmed", h.FromState)
	assert.Equal(t, "shipped", h.ToState)
	assert.Equal(t, "ada", h.Actor)
	assert.Equal(t, f.clock.Now(), h.Timestamp)
	assert.Equal(t, f.clock.Now(), out.UpdatedAt)
	assert.Len(t, p.History, 1, "history of the input is untouched")

	_, err = f.engine.ExecuteTransition(ctx, p, "quote", "ada", types.ActorUser, types.TriggerManual)
	assert.ErrorIs(t, err, ErrNoTransition)

	_, err = f.engine.ExecuteTransition(ctx, p, "nowhere", "ada", types.ActorUser, types.TriggerManual)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestForcedTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false})

	check, err := f.engine.CanForceTransition(ctx, p, "shipped")
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	require.Len(t, check.Warnings, 1)
	assert.Contains(t, check.Warnings[0].Message, "order must be paid")

	check, err = f.engine.CanForceTransition(ctx, p, "quote")
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.NotEmpty(t, check.Reason)

	out, warnings, err := f.engine.ExecuteForcedTransition(ctx, p, "shipped", "ops@example.com", "customer paid by wire transfer")
	require.NoError(t, err)
	assert.Equal(t, "shipped", out.CurrentState)
	assert.Len(t, warnings, 1)
	h := out.History[len(out.History)-1]
	assert.True(t, strings.HasPrefix(h.Trigger, "FORCED:"))
	assert.Equal(t, "FORCED: customer paid by wire transfer", h.Trigger)
	assert.True(t, h.Forced)
	assert.Equal(t, "customer paid by wire transfer", h.Justification)
	assert.Equal(t, "ops@example.com", h.Actor)

	paid := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": true})
	out, warnings, err = f.engine.ExecuteForcedTransition(ctx, paid, "shipped", "ops", "speed up")
	require.NoError(t, err, "forcing satisfied prerequisites is fine too")
	assert.Empty(t, warnings)
	assert.Equal(t, "shipped", out.CurrentState)

	_, _, err = f.engine.ExecuteForcedTransition(ctx, p, "shipped", "ops", "   ")
	assert.ErrorIs(t, err, ErrJustificationRequired)

	_, _, err = f.engine.ExecuteForcedTransition(ctx, p, "quote", "ops", "rewind")
	assert.ErrorIs(t, err, ErrNoTransition)
}

func TestManualTransitionWarnsButNeverBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false})

	out, warnings, err := f.engine.ExecuteManualTransition(ctx, p, "cancelled", "ada", "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.CurrentState)
	require.Len(t, warnings, 1)
	assert.Equal(t, "refund_issued", warnings[0].Prerequisite.Field)
	h := out.History[len(out.History)-1]
	assert.Equal(t, types.TriggerManual, h.Trigger)
	assert.Equal(t, types.ActorUser, h.ActorType)
	assert.False(t, h.Forced)

	_, _, err = f.engine.ExecuteManualTransition(ctx, p, "quote", "ada", types.ActorUser)
	assert.ErrorIs(t, err, ErrNoTransition)
}

func TestProcessAllAutoTransitionsIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var batch []types.Process
	for i := 0; i < 10; i++ {
		if i == 4 {
			batch = append(batch, f.process(t, "ghost", "A", nil))
			continue
		}
		batch = append(batch, f.process(t, "timed", "review", map[string]interface{}{"approved": true}))
	}
	f.clock.Advance(30 * time.Minute)

	report := f.engine.ProcessAllAutoTransitions(ctx, batch)
	assert.Equal(t, 10, report.ProcessesChecked)
	assert.Equal(t, 9, report.TransitionsExecuted)
	assert.Equal(t, 9, report.CascadesTriggered)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, batch[4].ID, report.Errors[0].ProcessID)
	assert.ErrorIs(t, report.Errors[0], registry.ErrWorkflowNotFound)
	assert.Len(t, report.ErrorMessages(), 1)
	require.Len(t, report.Moved, 9)
	for _, m := range report.Moved {
		assert.Equal(t, "escalated", m.Process.CurrentState)
	}

	_, err := f.store.Get(ctx, batch[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing is persisted")
}

func TestProcessAllAutoTransitionsRecoversPanics(t *testing.T) {
	f := newFixture(t)
	engine, err := NewEngine(panickyDefinitions{Definitions: f.reg, panicFor: "orders"}, nil, f.store, WithConcurrency(2))
	require.NoError(t, err)

	batch := []types.Process{
		f.process(t, "chain", "A", nil),
		f.process(t, "orders", "quote", nil),
		f.process(t, "chain", "D", nil),
	}
	report := engine.ProcessAllAutoTransitions(context.Background(), batch)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "panic occurred")
	assert.Equal(t, 4, report.TransitionsExecuted)
	assert.Equal(t, 1, report.CascadeLimitsReached)
}

func TestPendingAutoTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := []types.Process{
		f.process(t, "orders", "confirmed", map[string]interface{}{"paid": true}),
		f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false}),
		f.process(t, "orders", "shipped", nil),
		f.process(t, "ghost", "A", nil),
	}
	pending, failures := f.engine.PendingAutoTransitions(ctx, batch)
	require.Len(t, pending, 1)
	assert.Equal(t, batch[0].ID, pending[0].ProcessID)
	assert.Equal(t, "shipped", pending[0].Decision.ToState)
	assert.Equal(t, "confirmed", pending[0].FromState)
	require.Len(t, failures, 1)
	assert.Equal(t, batch[3].ID, failures[0].ProcessID)
}

func TestSweepPersistsAndPublishes(t *testing.T) {
	bus := events.NewEventBus()
	var mu sync.Mutex
	seen := make(map[string]int)
	bus.SubscribeAll(events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Type]++
		return nil
	}))

	f := newFixture(t, WithPublisher(bus))
	ctx := context.Background()

	chain := f.process(t, "chain", "A", nil)
	blocked := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false})
	final := f.process(t, "orders", "shipped", nil)
	orphan := f.process(t, "chain", "A", nil)
	orphan.Orphaned = true
	orphan.SourceForm = types.OrphanMarker + orphan.SourceForm
	for _, p := range []*types.Process{&chain, &blocked, &final, &orphan} {
		require.NoError(t, f.store.Save(ctx, p))
	}

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ProcessesChecked, "final and orphaned processes are skipped")
	assert.Equal(t, 3, report.TransitionsExecuted)
	assert.Equal(t, 1, report.CascadeLimitsReached)
	assert.Empty(t, report.Errors)

	stored, err := f.store.Get(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, "D", stored.CurrentState)
	assert.Equal(t, int64(2), stored.Version)
	assert.Len(t, stored.History, 4)

	untouched, err := f.store.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", untouched.CurrentState)

	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransitionsExecuted, "next sweep continues the cascade")

	bus.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, seen[events.StateChanged])
	assert.Equal(t, 1, seen[events.CascadeLimitReached])
	assert.Equal(t, 2, seen[events.SweepCompleted])
}

func TestSweepReportsVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.process(t, "chain", "A", nil)
	require.NoError(t, f.store.Save(ctx, &p))

	conflicting := &conflictStore{MemoryStorage: f.store}
	engine, err := NewEngine(f.reg, nil, conflicting, WithClock(f.clock))
	require.NoError(t, err)

	report, err := engine.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], storage.ErrVersionConflict)
}

// conflictStore simulates a concurrent writer winning every save.
type conflictStore struct {
	*storage.MemoryStorage
}

func (s *conflictStore) Save(ctx context.Context, p *types.Process) error {
	return fmt.Errorf("%w: id=%s", storage.ErrVersionConflict, p.ID)
}

func TestRequestTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.process(t, "orders", "confirmed", map[string]interface{}{"paid": false})
	require.NoError(t, f.store.Save(ctx, &p))

	_, err := f.engine.RequestTransition(ctx, p.ID, TransitionRequest{To: "shipped", Force: true})
	assert.ErrorIs(t, err, ErrJustificationRequired)

	_, err = f.engine.RequestTransition(ctx, "missing", TransitionRequest{To: "shipped"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err := f.engine.RequestTransition(ctx, p.ID, TransitionRequest{
		To: "shipped", Actor: "ops", Force: true, Justification: "paid in cash",
	})
	require.NoError(t, err)
	assert.Equal(t, "shipped", out.Process.CurrentState)
	assert.Len(t, out.Warnings, 1)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shipped", stored.CurrentState)
	assert.Equal(t, "FORCED: paid in cash", stored.History[len(stored.History)-1].Trigger)

	chain := f.process(t, "chain", "A", nil)
	require.NoError(t, f.store.Save(ctx, &chain))
	out, err = f.engine.RequestTransition(ctx, chain.ID, TransitionRequest{To: "B", Actor: "ada", ActorType: types.ActorAgent})
	require.NoError(t, err)
	assert.Equal(t, "E", out.Process.CurrentState, "automatic progression continues after a manual move")
	assert.Len(t, out.Cascade, 3)
	assert.Equal(t, types.ActorAgent, out.Process.History[1].ActorType)
}

func TestAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.process(t, "orders", "quote", map[string]interface{}{"paid": true})
	require.NoError(t, f.store.Save(ctx, &p))

	res, err := f.engine.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shipped", res.Process.CurrentState)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shipped", stored.CurrentState)

	res, err = f.engine.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Transitions)
}

func TestCommitRejectsInvalidProcess(t *testing.T) {
	f := newFixture(t)
	p := f.process(t, "orders", "confirmed", nil)
	p.SourceRecordID = ""

	err := f.engine.Commit(context.Background(), &p, 0, false)
	assert.ErrorIs(t, err, factory.ErrInvalidProcess)
	_, err = f.store.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
