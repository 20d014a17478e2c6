package types

import (
	"strings"
	"time"
)

// TransitionType classifies who is expected to drive a transition.
type TransitionType string

const (
	TransitionManual TransitionType = "manual"
	TransitionSystem TransitionType = "system"
	TransitionAgent  TransitionType = "agent"
)

// Valid reports whether t is one of the known transition types.
func (t TransitionType) Valid() bool {
	switch t {
	case TransitionManual, TransitionSystem, TransitionAgent:
		return true
	}
	return false
}

// PrerequisiteType selects the evaluation strategy of a prerequisite.
type PrerequisiteType string

const (
	PrerequisiteFieldCheck   PrerequisiteType = "field_check"
	PrerequisiteExternalAPI  PrerequisiteType = "external_api"
	PrerequisiteTimeElapsed  PrerequisiteType = "time_elapsed"
	PrerequisiteCustomScript PrerequisiteType = "custom_script"
)

// Field check operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpContains       = "contains"
	OpNotEmpty       = "not_empty"
	OpIsTrue         = "is_true"
	OpIsFalse        = "is_false"
)

// ValidOperator reports whether op is a known field_check operator.
func ValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterOrEqual,
		OpLessOrEqual, OpContains, OpNotEmpty, OpIsTrue, OpIsFalse:
		return true
	}
	return false
}

// Reference points for time_elapsed prerequisites.
const (
	ElapsedFromCreation       = "creation"
	ElapsedFromLastTransition = "last_transition"
	ElapsedFromStateEntry     = "state_entry"
)

// Actor types recorded in history.
const (
	ActorSystem = "system"
	ActorUser   = "user"
	ActorAgent  = "agent"
)

// Triggers recorded in history.
const (
	TriggerFormSave = "form_save"
	TriggerAuto     = "auto"
	TriggerTimeout  = "timeout"
	TriggerManual   = "manual"
	TriggerForced   = "FORCED"
)

// OrphanMarker prefixes SourceForm once the originating record is deleted.
const OrphanMarker = "deleted:"

// WorkflowDefinition declares a state graph and the forms feeding it.
type WorkflowDefinition struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	States      []State       `json:"states" yaml:"states"`
	Transitions []Transition  `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Forms       []FormBinding `json:"forms,omitempty" yaml:"forms,omitempty"`
}

// State returns the state with the given id.
func (w WorkflowDefinition) State(id string) (State, bool) {
	for _, s := range w.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// InitialState returns the state flagged initial, or the first declared state.
func (w WorkflowDefinition) InitialState() (State, bool) {
	for _, s := range w.States {
		if s.IsInitial {
			return s, true
		}
	}
	if len(w.States) == 0 {
		return State{}, false
	}
	return w.States[0], true
}

// Transition returns the edge from -> to, if declared.
func (w WorkflowDefinition) Transition(from, to string) (Transition, bool) {
	for _, t := range w.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// FormBinding returns the binding for formPath, if any.
func (w WorkflowDefinition) FormBinding(formPath string) (FormBinding, bool) {
	for _, f := range w.Forms {
		if f.FormPath == formPath {
			return f, true
		}
	}
	return FormBinding{}, false
}

// State is a node of the workflow graph.
type State struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name,omitempty" yaml:"name,omitempty"`
	IsInitial        bool     `json:"is_initial,omitempty" yaml:"is_initial,omitempty"`
	IsFinal          bool     `json:"is_final,omitempty" yaml:"is_final,omitempty"`
	AutoTransitionTo string   `json:"auto_transition_to,omitempty" yaml:"auto_transition_to,omitempty"`
	Timeout          *Timeout `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Timeout is the dwell time after which a state auto-transitions regardless of prerequisites.
type Timeout struct {
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

// Duration converts the timeout into a time.Duration.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t.Hours)*time.Hour + time.Duration(t.Minutes)*time.Minute
}

// Transition is a directed edge of the workflow graph.
type Transition struct {
	From          string         `json:"from" yaml:"from"`
	To            string         `json:"to" yaml:"to"`
	Type          TransitionType `json:"type,omitempty" yaml:"type,omitempty"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// Prerequisite is a typed condition attached to a transition. Only the fields
// relevant to Type are read.
type Prerequisite struct {
	Type    PrerequisiteType `json:"type" yaml:"type"`
	Message string           `json:"message,omitempty" yaml:"message,omitempty"`

	// field_check
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value" yaml:"value"`

	// external_api
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Body           string            `json:"body,omitempty" yaml:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// time_elapsed
	From       string  `json:"from,omitempty" yaml:"from,omitempty"`
	State      string  `json:"state,omitempty" yaml:"state,omitempty"`
	MinHours   float64 `json:"min_hours,omitempty" yaml:"min_hours,omitempty"`
	MinMinutes float64 `json:"min_minutes,omitempty" yaml:"min_minutes,omitempty"`

	// custom_script
	Script     string `json:"script,omitempty" yaml:"script,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MinDuration is the configured minimum for time_elapsed prerequisites.
func (p Prerequisite) MinDuration() time.Duration {
	return time.Duration(p.MinHours*float64(time.Hour)) + time.Duration(p.MinMinutes*float64(time.Minute))
}

// FormBinding links a workflow to a form that feeds it.
type FormBinding struct {
	FormPath            string            `json:"form_path" yaml:"form_path"`
	Primary             bool              `json:"primary,omitempty" yaml:"primary,omitempty"`
	AutoCreate          bool              `json:"auto_create,omitempty" yaml:"auto_create,omitempty"`
	TitleTemplate       string            `json:"title_template,omitempty" yaml:"title_template,omitempty"`
	DescriptionTemplate string            `json:"description_template,omitempty" yaml:"description_template,omitempty"`
	FieldMappings       map[string]string `json:"field_mappings,omitempty" yaml:"field_mappings,omitempty"`
}

// FormRecord is a form submission as delivered by the form layer.
type FormRecord struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// HistoryEntry records one state change. An empty FromState marks creation.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	FromState     string    `json:"from_state,omitempty"`
	ToState       string    `json:"to_state"`
	Actor         string    `json:"actor"`
	ActorType     string    `json:"actor_type"`
	Trigger       string    `json:"trigger"`
	Forced        bool      `json:"forced,omitempty"`
	Justification string    `json:"justification,omitempty"`
}

// Process is a tracked instance of a workflow.
type Process struct {
	ID             string                 `json:"process_id"`
	WorkflowID     string                 `json:"workflow_id"`
	CurrentState   string                 `json:"current_state"`
	Title          string                 `json:"title,omitempty"`
	Description    string                 `json:"description,omitempty"`
	SourceForm     string                 `json:"source_form"`
	SourceRecordID string                 `json:"source_record_id"`
	Data           map[string]interface{} `json:"data"`
	History        []HistoryEntry         `json:"history"`
	Orphaned       bool                   `json:"orphaned,omitempty"`
	OrphanedAt     *time.Time             `json:"orphaned_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Version        int64                  `json:"version"`

	// CascadeDepth counts automatic transitions of the running cascade.
	CascadeDepth int `json:"-"`
}

// LastTransitionAt returns the timestamp of the latest history entry, or CreatedAt.
func (p Process) LastTransitionAt() time.Time {
	if n := len(p.History); n > 0 {
		return p.History[n-1].Timestamp
	}
	return p.CreatedAt
}

// EnteredStateAt returns when the process most recently entered state.
func (p Process) EnteredStateAt(state string) (time.Time, bool) {
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].ToState == state {
			return p.History[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

// OriginalSourceForm strips the orphan marker from SourceForm.
func (p Process) OriginalSourceForm() string {
	return strings.TrimPrefix(p.SourceForm, OrphanMarker)
}

// Copy returns a deep copy of the process.
func (p Process) Copy() Process {
	out := p
	out.Data = CopyMap(p.Data)
	out.History = append([]HistoryEntry(nil), p.History...)
	if p.OrphanedAt != nil {
		t := *p.OrphanedAt
		out.OrphanedAt = &t
	}
	return out
}

// CopyMap deep-copies nested maps and slices of a data snapshot.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyMap(val)
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, e := range val {
			s[i] = copyValue(e)
		}
		return s
	default:
		return val
	}
}

// Clock abstracts time so elapsed-time logic can be tested.
type Clock interface {
	Now() time.Time
}

// UTCClock reads the wall clock in UTC.
type UTCClock struct{}

// Now returns the current UTC time.
func (UTCClock) Now() time.Time { return time.Now().UTC() }
