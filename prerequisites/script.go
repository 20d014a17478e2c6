package prerequisites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrScriptExists is returned when registering a name twice.
	ErrScriptExists = errors.New("script already registered")
	// ErrEmptyScriptName is returned when registering an unnamed validator.
	ErrEmptyScriptName = errors.New("script name is empty")
)

// ScriptResult is the verdict of a custom validator.
type ScriptResult struct {
	Satisfied bool
	Message   string
}

// Validator is a custom_script implementation. It receives a private copy of
// the process.
type Validator interface {
	Validate(ctx context.Context, p types.Process, wf types.WorkflowDefinition) (ScriptResult, error)
}

// ValidatorFunc is a function adapter for Validator.
type ValidatorFunc func(ctx context.Context, p types.Process, wf types.WorkflowDefinition) (ScriptResult, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, p types.Process, wf types.WorkflowDefinition) (ScriptResult, error) {
	return f(ctx, p, wf)
}

// ScriptRegistry maps script names to validators. Workflow definitions refer
// to validators by name only; nothing is loaded dynamically.
type ScriptRegistry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewScriptRegistry creates an empty registry.
func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{validators: make(map[string]Validator)}
}

// Register adds a validator under name.
func (r *ScriptRegistry) Register(name string, v Validator) error {
	if name == "" {
		return ErrEmptyScriptName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[name]; ok {
		return fmt.Errorf("%w: %s", ErrScriptExists, name)
	}
	r.validators[name] = v
	return nil
}

// RegisterFunc adds a function validator under name.
func (r *ScriptRegistry) RegisterFunc(name string, f func(ctx context.Context, p types.Process, wf types.WorkflowDefinition) (ScriptResult, error)) error {
	return r.Register(name, ValidatorFunc(f))
}

// Lookup returns the validator registered under name.
func (r *ScriptRegistry) Lookup(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names lists the registered scripts in sorted order.
func (r *ScriptRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Evaluator) checkScript(ctx context.Context, pre types.Prerequisite, p types.Process, wf types.WorkflowDefinition) (bool, string) {
	var run func(ctx context.Context) (ScriptResult, error)
	name := pre.Script

	switch {
	case pre.Script != "":
		v, ok := e.scripts.Lookup(pre.Script)
		if !ok {
			return false, fmt.Sprintf("script %q is not registered", pre.Script)
		}
		snapshot := p.Copy()
		run = func(ctx context.Context) (ScriptResult, error) {
			return v.Validate(ctx, snapshot, wf)
		}
	case pre.Expression != "":
		name = "expression"
		env := expressionEnv(p)
		run = func(context.Context) (ScriptResult, error) {
			ok, err := e.exprs.Evaluate(pre.Expression, env)
			if err != nil {
				return ScriptResult{}, err
			}
			msg := fmt.Sprintf("expression %q is %t", pre.Expression, ok)
			return ScriptResult{Satisfied: ok, Message: msg}, nil
		}
	default:
		return false, "custom_script needs a script name or an expression"
	}

	res, err := isolate(ctx, e.scriptTimeout, run)
	if err != nil {
		return false, fmt.Sprintf("script %s failed: %v", name, err)
	}
	if res.Message == "" {
		res.Message = fmt.Sprintf("script %s returned %t", name, res.Satisfied)
	}
	return res.Satisfied, res.Message
}

// isolate runs fn in its own goroutine, converting panics and timeouts into errors.
func isolate(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (ScriptResult, error)) (ScriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res ScriptResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := fn(ctx)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return ScriptResult{}, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}

// expressionEnv is the variable scope of expression scripts: data fields at
// the top level plus the process metadata and the whole snapshot as data.
func expressionEnv(p types.Process) map[string]interface{} {
	env := templateFields(p)
	env["data"] = types.CopyMap(p.Data)
	return env
}
