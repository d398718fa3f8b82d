package types

import (
	"fmt"

	"benchlab-go/errcode"
)

const MaxTriggersPerScript = 100

// ---- Conditions (closed sum: value | time) ----

type CondKind string

const (
	CondValue CondKind = "value"
	CondTime  CondKind = "time"
)

type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Eval applies the comparison with the measured value on the left.
func (o Operator) Eval(measured, threshold float64) bool {
	switch o {
	case OpGT:
		return measured > threshold
	case OpLT:
		return measured < threshold
	case OpGE:
		return measured >= threshold
	case OpLE:
		return measured <= threshold
	case OpEQ:
		return measured == threshold
	case OpNE:
		return measured != threshold
	}
	return false
}

func validOperator(o Operator) bool {
	switch o {
	case OpGT, OpLT, OpGE, OpLE, OpEQ, OpNE:
		return true
	}
	return false
}

// TriggerCondition is tagged by Kind; value conditions compare a live
// measurement, time conditions fire once at Seconds from script start.
type TriggerCondition struct {
	Kind      CondKind `json:"kind"`
	DeviceID  string   `json:"deviceId,omitempty"`
	Parameter string   `json:"parameter,omitempty"`
	Operator  Operator `json:"operator,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Seconds   float64  `json:"seconds,omitempty"`
}

func (c TriggerCondition) Validate() error {
	switch c.Kind {
	case CondValue:
		if c.DeviceID == "" || c.Parameter == "" {
			return &errcode.E{C: errcode.BadRequest, Msg: "value condition requires deviceId and parameter"}
		}
		if !validOperator(c.Operator) {
			return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("unknown operator %q", c.Operator)}
		}
		if !finite(c.Threshold) {
			return &errcode.E{C: errcode.BadRequest, Msg: "threshold must be finite"}
		}
	case CondTime:
		if c.Seconds < 0 || !finite(c.Seconds) {
			return &errcode.E{C: errcode.BadRequest, Msg: "time condition requires seconds >= 0"}
		}
	default:
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("unknown condition kind %q", c.Kind)}
	}
	return nil
}

// ---- Actions (closed sum) ----

type ActionKind string

const (
	ActionSetValue      ActionKind = "setValue"
	ActionSetOutput     ActionKind = "setOutput"
	ActionSetMode       ActionKind = "setMode"
	ActionStartSequence ActionKind = "startSequence"
	ActionStopSequence  ActionKind = "stopSequence"
	ActionPauseSequence ActionKind = "pauseSequence"
)

// TriggerAction is tagged by Kind; unused fields stay zero.
type TriggerAction struct {
	Kind        ActionKind `json:"kind"`
	DeviceID    string     `json:"deviceId,omitempty"`
	Parameter   string     `json:"parameter,omitempty"`
	Value       float64    `json:"value,omitempty"`
	Enabled     bool       `json:"enabled,omitempty"`
	Mode        Mode       `json:"mode,omitempty"`
	SequenceID  string     `json:"sequenceId,omitempty"`
	Repeat      RepeatMode `json:"repeat,omitempty"`
	RepeatCount int        `json:"repeatCount,omitempty"`
}

func (a TriggerAction) Validate() error {
	bad := func(msg string) error { return &errcode.E{C: errcode.BadRequest, Msg: msg} }
	switch a.Kind {
	case ActionSetValue:
		if a.DeviceID == "" || a.Parameter == "" {
			return bad("setValue action requires deviceId and parameter")
		}
		if !finite(a.Value) {
			return bad("setValue action requires a finite value")
		}
	case ActionSetOutput:
		if a.DeviceID == "" {
			return bad("setOutput action requires deviceId")
		}
	case ActionSetMode:
		if a.DeviceID == "" || a.Mode == "" {
			return bad("setMode action requires deviceId and mode")
		}
	case ActionStartSequence:
		cfg := SequenceRunConfig{
			SequenceID:  a.SequenceID,
			DeviceID:    a.DeviceID,
			Parameter:   a.Parameter,
			Repeat:      a.Repeat,
			RepeatCount: a.RepeatCount,
		}
		if cfg.Repeat == "" {
			cfg.Repeat = RepeatOnce
		}
		return cfg.Validate()
	case ActionStopSequence, ActionPauseSequence:
		if a.DeviceID == "" {
			return bad(string(a.Kind) + " action requires deviceId")
		}
	default:
		return bad(fmt.Sprintf("unknown action kind %q", a.Kind))
	}
	return nil
}

// ---- Triggers & scripts ----

type TriggerRepeat string

const (
	TriggerOnce  TriggerRepeat = "once"
	TriggerEvery TriggerRepeat = "every"
)

type Trigger struct {
	ID         string           `json:"id"`
	Condition  TriggerCondition `json:"condition"`
	Action     TriggerAction    `json:"action"`
	Repeat     TriggerRepeat    `json:"repeat"`
	DebounceMs int              `json:"debounceMs"`
}

func (t Trigger) Validate() error {
	if t.ID == "" {
		return &errcode.E{C: errcode.BadRequest, Msg: "trigger id required"}
	}
	switch t.Repeat {
	case TriggerOnce, TriggerEvery:
	default:
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("trigger %s: unknown repeat %q", t.ID, t.Repeat)}
	}
	if t.DebounceMs < 0 {
		return &errcode.E{C: errcode.BadRequest, Msg: "debounceMs must be >= 0"}
	}
	if err := t.Condition.Validate(); err != nil {
		return err
	}
	return t.Action.Validate()
}

type TriggerScript struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Triggers  []Trigger `json:"triggers"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Validate checks structure only; reference checks against live devices
// happen when an engine starts.
func (s *TriggerScript) Validate() error {
	if s.Name == "" || len(s.Name) > MaxNameLen {
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("name must be 1..%d chars", MaxNameLen)}
	}
	if len(s.Triggers) == 0 {
		return &errcode.E{C: errcode.BadRequest, Msg: "script needs at least one trigger"}
	}
	if len(s.Triggers) > MaxTriggersPerScript {
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("too many triggers: %d > %d", len(s.Triggers), MaxTriggersPerScript)}
	}
	seen := make(map[string]bool, len(s.Triggers))
	for _, t := range s.Triggers {
		if seen[t.ID] {
			return &errcode.E{C: errcode.BadRequest, Msg: "duplicate trigger id " + t.ID}
		}
		seen[t.ID] = true
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ---- Runtime state ----

// TriggerRuntimeState tracks edge detection and firing for one trigger.
type TriggerRuntimeState struct {
	TriggerID    string `json:"triggerId"`
	FiredCount   int    `json:"firedCount"`
	LastFiredAt  int64  `json:"lastFiredAt,omitempty"` // unix ms, 0 = never
	ConditionMet bool   `json:"conditionMet"`
}

// TriggerScriptState is the broadcastable snapshot of one engine.
type TriggerScriptState struct {
	ScriptID  string                `json:"scriptId"`
	State     ExecState             `json:"state"`
	StartedAt int64                 `json:"startedAt"` // unix ms
	ElapsedMs int64                 `json:"elapsedMs"` // excludes paused time
	Triggers  []TriggerRuntimeState `json:"triggers"`
}
