package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperatorEval(t *testing.T) {
	cases := []struct {
		op   Operator
		a, b float64
		want bool
	}{
		{OpGT, 10.1, 10, true},
		{OpGT, 10, 10, false},
		{OpLT, 9.9, 10, true},
		{OpGE, 10, 10, true},
		{OpLE, 10, 10, true},
		{OpEQ, 1.5, 1.5, true},
		{OpEQ, 1.5, 1.6, false},
		{OpNE, 1.5, 1.6, true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.op.Eval(c.a, c.b), "%v %s %v", c.a, c.op, c.b)
	}
	require.False(t, Operator("~").Eval(1, 1), "unknown operator never matches")
}

func TestConditionValidate(t *testing.T) {
	v := TriggerCondition{Kind: CondValue, DeviceID: "psu-1", Parameter: "voltage", Operator: OpGT, Threshold: 10}
	require.NoError(t, v.Validate())

	v.Parameter = ""
	require.Error(t, v.Validate())

	v.Parameter = "voltage"
	v.Operator = "=>"
	require.Error(t, v.Validate())

	tm := TriggerCondition{Kind: CondTime, Seconds: 1.5}
	require.NoError(t, tm.Validate())
	tm.Seconds = -1
	require.Error(t, tm.Validate())

	require.Error(t, TriggerCondition{Kind: "edge"}.Validate())
}

func TestActionValidate(t *testing.T) {
	ok := []TriggerAction{
		{Kind: ActionSetValue, DeviceID: "d", Parameter: "current", Value: 1.5},
		{Kind: ActionSetOutput, DeviceID: "d", Enabled: true},
		{Kind: ActionSetMode, DeviceID: "d", Mode: ModeCC},
		{Kind: ActionStartSequence, DeviceID: "d", Parameter: "current", SequenceID: "s", Repeat: RepeatCount, RepeatCount: 2},
		{Kind: ActionStartSequence, DeviceID: "d", Parameter: "current", SequenceID: "s"}, // repeat defaults to once
		{Kind: ActionStopSequence, DeviceID: "d"},
		{Kind: ActionPauseSequence, DeviceID: "d"},
	}
	for _, a := range ok {
		require.NoError(t, a.Validate(), "%s", a.Kind)
	}

	bad := []TriggerAction{
		{Kind: ActionSetValue, DeviceID: "d"},
		{Kind: ActionSetMode, DeviceID: "d"},
		{Kind: ActionStartSequence, DeviceID: "d", Parameter: "current"},
		{Kind: ActionStopSequence},
		{Kind: "reboot"},
	}
	for _, a := range bad {
		require.Error(t, a.Validate(), "%s", a.Kind)
	}
}

func TestScriptValidate(t *testing.T) {
	trg := func(id string) Trigger {
		return Trigger{
			ID:        id,
			Condition: TriggerCondition{Kind: CondTime, Seconds: 1},
			Action:    TriggerAction{Kind: ActionSetOutput, DeviceID: "d", Enabled: true},
			Repeat:    TriggerOnce,
		}
	}
	s := TriggerScript{ID: "ts-1", Name: "safety", Triggers: []Trigger{trg("a"), trg("b")}}
	require.NoError(t, s.Validate())

	dup := TriggerScript{ID: "ts-2", Name: "dup", Triggers: []Trigger{trg("a"), trg("a")}}
	require.Error(t, dup.Validate())

	empty := TriggerScript{ID: "ts-3", Name: "empty"}
	require.Error(t, empty.Validate())

	badRepeat := s
	badRepeat.Triggers = []Trigger{{ID: "x", Condition: TriggerCondition{Kind: CondTime}, Action: TriggerAction{Kind: ActionStopSequence, DeviceID: "d"}, Repeat: "sometimes"}}
	require.Error(t, badRepeat.Validate())

	debounced := trg("a")
	debounced.DebounceMs = -5
	neg := TriggerScript{ID: "ts-4", Name: "neg", Triggers: []Trigger{debounced}}
	require.Error(t, neg.Validate())
}
