package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// ErrConfiguration marks a malformed workflow definition.
var ErrConfiguration = errors.New("invalid workflow configuration")

// ConfigurationError lists every problem found in one workflow definition.
type ConfigurationError struct {
	WorkflowID string
	Problems   []string
}

func (e *ConfigurationError) Error() string {
	id := e.WorkflowID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("workflow %q: %v: %s", id, ErrConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

type problems struct {
	list []string
}

func (p *problems) add(format string, args ...interface{}) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

// normalize validates def and returns the copy the registry stores: the
// initial state is made explicit and every auto_transition_to gets an edge.
func normalize(def types.WorkflowDefinition, exprs *rules.ExprEvaluator) (types.WorkflowDefinition, error) {
	var p problems

	if strings.TrimSpace(def.ID) == "" {
		p.add("workflow id is empty")
	}
	if len(def.States) == 0 {
		p.add("workflow declares no states")
	}

	states := make(map[string]types.State, len(def.States))
	initials := 0
	for _, s := range def.States {
		if s.ID == "" {
			p.add("state with empty id")
			continue
		}
		if _, dup := states[s.ID]; dup {
			p.add("duplicate state %q", s.ID)
		}
		states[s.ID] = s
		if s.IsInitial {
			initials++
		}
	}
	if initials > 1 {
		p.add("%d initial states declared, at most one allowed", initials)
	}

	for _, s := range def.States {
		if s.AutoTransitionTo != "" {
			if _, ok := states[s.AutoTransitionTo]; !ok {
				p.add("state %q auto_transition_to references unknown state %q", s.ID, s.AutoTransitionTo)
			}
		}
		if s.Timeout != nil {
			if s.Timeout.Hours < 0 || s.Timeout.Minutes < 0 {
				p.add("state %q has a negative timeout", s.ID)
			}
			if s.AutoTransitionTo == "" {
				p.add("state %q declares a timeout without auto_transition_to", s.ID)
			}
		}
	}

	edges := make(map[[2]string]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		if _, ok := states[t.From]; !ok {
			p.add("transition %d references unknown from state %q", i, t.From)
		}
		if _, ok := states[t.To]; !ok {
			p.add("transition %d references unknown to state %q", i, t.To)
		}
		if t.Type != "" && !t.Type.Valid() {
			p.add("transition %s->%s has unknown type %q", t.From, t.To, t.Type)
		}
		key := [2]string{t.From, t.To}
		if edges[key] {
			p.add("duplicate transition %s->%s", t.From, t.To)
		}
		edges[key] = true
		for j, pre := range t.Prerequisites {
			validatePrerequisite(&p, fmt.Sprintf("transition %s->%s prerequisite %d", t.From, t.To, j), pre, states, exprs)
		}
	}

	primaries := 0
	forms := make(map[string]bool, len(def.Forms))
	for _, f := range def.Forms {
		if strings.TrimSpace(f.FormPath) == "" {
			p.add("form binding with empty form_path")
			continue
		}
		if forms[f.FormPath] {
			p.add("form %q bound twice", f.FormPath)
		}
		forms[f.FormPath] = true
		if f.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		p.add("%d primary form bindings declared, at most one allowed", primaries)
	}

	if len(p.list) > 0 {
		return types.WorkflowDefinition{}, &ConfigurationError{WorkflowID: def.ID, Problems: p.list}
	}

	out := def
	out.States = append([]types.State(nil), def.States...)
	if initials == 0 {
		out.States[0].IsInitial = true
	}
	out.Transitions = append([]types.Transition(nil), def.Transitions...)
	for i := range out.Transitions {
		if out.Transitions[i].Type == "" {
			out.Transitions[i].Type = types.TransitionManual
		}
	}
	for _, s := range out.States {
		if s.AutoTransitionTo != "" && !edges[[2]string{s.ID, s.AutoTransitionTo}] {
			out.Transitions = append(out.Transitions, types.Transition{
				From: s.ID,
				To:   s.AutoTransitionTo,
				Type: types.TransitionSystem,
			})
		}
	}
	out.Forms = append([]types.FormBinding(nil), def.Forms...)
	return out, nil
}

func validatePrerequisite(p *problems, where string, pre types.Prerequisite, states map[string]types.State, exprs *rules.ExprEvaluator) {
	switch pre.Type {
	case types.PrerequisiteFieldCheck:
		if pre.Field == "" {
			p.add("%s: field_check without field", where)
		}
		if !types.ValidOperator(pre.Operator) {
			p.add("%s: unknown operator %q", where, pre.Operator)
		}
	case types.PrerequisiteExternalAPI:
		if pre.URL == "" {
			p.add("%s: external_api without url", where)
		}
		if pre.TimeoutSeconds < 0 {
			p.add("%s: negative timeout_seconds", where)
		}
	case types.PrerequisiteTimeElapsed:
		switch pre.From {
		case "", types.ElapsedFromCreation, types.ElapsedFromLastTransition:
		case types.ElapsedFromStateEntry:
			if _, ok := states[pre.State]; !ok {
				p.add("%s: state_entry references unknown state %q", where, pre.State)
			}
		default:
			p.add("%s: unknown time_elapsed reference %q", where, pre.From)
		}
		if pre.MinHours < 0 || pre.MinMinutes < 0 {
			p.add("%s: negative minimum duration", where)
		}
	case types.PrerequisiteCustomScript:
		if pre.Script == "" && pre.Expression == "" {
			p.add("%s: custom_script needs a script name or an expression", where)
		}
		if pre.Expression != "" {
			if err := exprs.Compile(pre.Expression); err != nil {
				p.add("%s: expression does not compile: %v", where, err)
			}
		}
	default:
		p.add("%s: unknown prerequisite type %q", where, pre.Type)
	}
}
