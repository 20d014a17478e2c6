// Package prerequisites evaluates the conditions attached to workflow
// transitions. Evaluation never fails: any underlying error (bad operand,
// network failure, script panic) yields an unsatisfied Result whose message
// carries the error text.
package prerequisites

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

const (
	// DefaultAPITimeout bounds external_api checks without their own timeout.
	DefaultAPITimeout = 5 * time.Second
	// DefaultScriptTimeout bounds custom_script validators.
	DefaultScriptTimeout = 10 * time.Second
)

// Result is the outcome of one prerequisite evaluation.
type Result struct {
	Prerequisite types.Prerequisite `json:"prerequisite"`
	Satisfied    bool               `json:"satisfied"`
	Message      string             `json:"message"`
}

// Evaluator checks prerequisites against process snapshots. It holds no
// per-call state and is safe for concurrent use.
type Evaluator struct {
	client        HTTPClient
	scripts       *ScriptRegistry
	exprs         *rules.ExprEvaluator
	clock         types.Clock
	apiTimeout    time.Duration
	scriptTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithHTTPClient sets the client used by external_api checks.
func WithHTTPClient(c HTTPClient) Option {
	return func(e *Evaluator) {
		if c != nil {
			e.client = c
		}
	}
}

// WithScripts sets the registry consulted by custom_script checks.
func WithScripts(r *ScriptRegistry) Option {
	return func(e *Evaluator) {
		if r != nil {
			e.scripts = r
		}
	}
}

// WithExprEvaluator sets the evaluator for expression scripts.
func WithExprEvaluator(x *rules.ExprEvaluator) Option {
	return func(e *Evaluator) {
		if x != nil {
			e.exprs = x
		}
	}
}

// WithClock sets the clock used by time_elapsed checks.
func WithClock(c types.Clock) Option {
	return func(e *Evaluator) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithAPITimeout sets the default external_api timeout.
func WithAPITimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.apiTimeout = d
		}
	}
}

// WithScriptTimeout sets the custom_script timeout.
func WithScriptTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.scriptTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// NewEvaluator creates an Evaluator. Without options it uses a circuit
// breaking net/http client, an empty script registry and the UTC clock.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		scripts:       NewScriptRegistry(),
		exprs:         rules.NewExprEvaluator(),
		clock:         types.UTCClock{},
		apiTimeout:    DefaultAPITimeout,
		scriptTimeout: DefaultScriptTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = NewBreakerClient(nil)
	}
	return e
}

// Scripts returns the registry of named validators.
func (e *Evaluator) Scripts() *ScriptRegistry {
	return e.scripts
}

// Evaluate checks a single prerequisite against p.
func (e *Evaluator) Evaluate(ctx context.Context, pre types.Prerequisite, p types.Process, wf types.WorkflowDefinition) Result {
	var (
		ok     bool
		detail string
	)
	switch pre.Type {
	case types.PrerequisiteFieldCheck:
		ok, detail = checkField(pre, p.Data)
	case types.PrerequisiteExternalAPI:
		ok, detail = e.checkExternalAPI(ctx, pre, p)
	case types.PrerequisiteTimeElapsed:
		ok, detail = e.checkTimeElapsed(pre, p)
	case types.PrerequisiteCustomScript:
		ok, detail = e.checkScript(ctx, pre, p, wf)
	default:
		detail = fmt.Sprintf("unknown prerequisite type %q", pre.Type)
	}

	e.metrics.Prerequisite(pre.Type, ok)
	e.logger.Debug("prerequisite evaluated",
		"process_id", p.ID, "type", pre.Type, "satisfied", ok, "detail", detail)

	msg := detail
	if !ok && pre.Message != "" {
		msg = pre.Message + ": " + detail
	}
	return Result{Prerequisite: pre, Satisfied: ok, Message: msg}
}

// EvaluateAll evaluates every prerequisite in order, without short-circuiting.
func (e *Evaluator) EvaluateAll(ctx context.Context, pres []types.Prerequisite, p types.Process, wf types.WorkflowDefinition) []Result {
	results := make([]Result, 0, len(pres))
	for _, pre := range pres {
		results = append(results, e.Evaluate(ctx, pre, p, wf))
	}
	return results
}

// AreAllSatisfied reports whether every prerequisite holds. All of them are
// evaluated even after the first failure.
func (e *Evaluator) AreAllSatisfied(ctx context.Context, pres []types.Prerequisite, p types.Process, wf types.WorkflowDefinition) bool {
	all := true
	for _, r := range e.EvaluateAll(ctx, pres, p, wf) {
		if !r.Satisfied {
			all = false
		}
	}
	return all
}

// Unsatisfied returns the results of the prerequisites that do not hold.
func (e *Evaluator) Unsatisfied(ctx context.Context, pres []types.Prerequisite, p types.Process, wf types.WorkflowDefinition) []Result {
	return FilterUnsatisfied(e.EvaluateAll(ctx, pres, p, wf))
}

// FilterUnsatisfied keeps the unsatisfied results.
func FilterUnsatisfied(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Satisfied {
			out = append(out, r)
		}
	}
	return out
}

func (e *Evaluator) checkTimeElapsed(pre types.Prerequisite, p types.Process) (bool, string) {
	var ref time.Time
	switch pre.From {
	case "", types.ElapsedFromCreation:
		ref = p.CreatedAt
	case types.ElapsedFromLastTransition:
		ref = p.LastTransitionAt()
	case types.ElapsedFromStateEntry:
		state := pre.State
		if state == "" {
			state = p.CurrentState
		}
		t, ok := p.EnteredStateAt(state)
		if !ok {
			return false, fmt.Sprintf("process never entered state %q", state)
		}
		ref = t
	default:
		return false, fmt.Sprintf("unknown time_elapsed reference %q", pre.From)
	}
	if ref.IsZero() {
		return false, "reference timestamp is not set"
	}

	elapsed := e.clock.Now().UTC().Sub(ref.UTC())
	min := pre.MinDuration()
	if elapsed < min {
		return false, fmt.Sprintf("%s elapsed since %s, need %s", roundDuration(elapsed), referenceName(pre.From), min)
	}
	return true, fmt.Sprintf("%s elapsed since %s", roundDuration(elapsed), referenceName(pre.From))
}

func referenceName(from string) string {
	if from == "" {
		return types.ElapsedFromCreation
	}
	return from
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Second)
}
