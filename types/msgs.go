package types

// ---- Broadcast messages ----
//
// The set of message kinds is closed. Every message marshals directly to
// the WebSocket envelope {type, deviceId?|scriptId?, ...}; constructors
// fill the Type tag.

type MsgType string

const (
	MsgMeasurement MsgType = "measurement"
	MsgField       MsgType = "field"
	MsgError       MsgType = "error"

	MsgSequenceStarted   MsgType = "sequenceStarted"
	MsgSequenceProgress  MsgType = "sequenceProgress"
	MsgSequenceCompleted MsgType = "sequenceCompleted"
	MsgSequenceAborted   MsgType = "sequenceAborted"
	MsgSequenceError     MsgType = "sequenceError"

	MsgTriggerScriptStarted  MsgType = "triggerScriptStarted"
	MsgTriggerScriptPaused   MsgType = "triggerScriptPaused"
	MsgTriggerScriptResumed  MsgType = "triggerScriptResumed"
	MsgTriggerScriptStopped  MsgType = "triggerScriptStopped"
	MsgTriggerScriptProgress MsgType = "triggerScriptProgress"
	MsgTriggerFired          MsgType = "triggerFired"
	MsgTriggerActionFailed   MsgType = "triggerActionFailed"
)

// Broadcast is the closed union of everything the core fans out.
type Broadcast interface{ isBroadcast() }

// FieldName enumerates the per-field delta channels.
type FieldName string

const (
	FieldMode             FieldName = "mode"
	FieldOutputEnabled    FieldName = "outputEnabled"
	FieldSetpoints        FieldName = "setpoints"
	FieldConnectionStatus FieldName = "connectionStatus"
)

// ---- Device messages ----

type MeasurementUpdate struct {
	Timestamp    int64              `json:"timestamp"` // unix ms
	Measurements map[string]float64 `json:"measurements"`
}

type MeasurementMsg struct {
	Type     MsgType           `json:"type"`
	DeviceID string            `json:"deviceId"`
	Update   MeasurementUpdate `json:"update"`
}

func (MeasurementMsg) isBroadcast() {}

func NewMeasurementMsg(deviceID string, ts int64, m map[string]float64) MeasurementMsg {
	return MeasurementMsg{Type: MsgMeasurement, DeviceID: deviceID, Update: MeasurementUpdate{Timestamp: ts, Measurements: m}}
}

type FieldMsg struct {
	Type     MsgType   `json:"type"`
	DeviceID string    `json:"deviceId"`
	Field    FieldName `json:"field"`
	Value    any       `json:"value"`
}

func (FieldMsg) isBroadcast() {}

func NewFieldMsg(deviceID string, field FieldName, value any) FieldMsg {
	return FieldMsg{Type: MsgField, DeviceID: deviceID, Field: field, Value: value}
}

type ErrorMsg struct {
	Type     MsgType `json:"type"`
	DeviceID string  `json:"deviceId"`
	Code     string  `json:"code"`
	Message  string  `json:"message"`
}

func (ErrorMsg) isBroadcast() {}

func NewErrorMsg(deviceID, code, message string) ErrorMsg {
	return ErrorMsg{Type: MsgError, DeviceID: deviceID, Code: code, Message: message}
}

// ---- Sequence messages ----

type SequenceStartedMsg struct {
	Type  MsgType       `json:"type"`
	State SequenceState `json:"state"`
}

func (SequenceStartedMsg) isBroadcast() {}

func NewSequenceStartedMsg(st SequenceState) SequenceStartedMsg {
	return SequenceStartedMsg{Type: MsgSequenceStarted, State: st}
}

type SequenceProgressMsg struct {
	Type  MsgType       `json:"type"`
	State SequenceState `json:"state"`
}

func (SequenceProgressMsg) isBroadcast() {}

func NewSequenceProgressMsg(st SequenceState) SequenceProgressMsg {
	return SequenceProgressMsg{Type: MsgSequenceProgress, State: st}
}

type SequenceCompletedMsg struct {
	Type       MsgType `json:"type"`
	SequenceID string  `json:"sequenceId"`
	DeviceID   string  `json:"deviceId"`
	RunID      string  `json:"runId"`
}

func (SequenceCompletedMsg) isBroadcast() {}

func NewSequenceCompletedMsg(sequenceID, deviceID, runID string) SequenceCompletedMsg {
	return SequenceCompletedMsg{Type: MsgSequenceCompleted, SequenceID: sequenceID, DeviceID: deviceID, RunID: runID}
}

type SequenceAbortedMsg struct {
	Type       MsgType `json:"type"`
	SequenceID string  `json:"sequenceId"`
	DeviceID   string  `json:"deviceId"`
	RunID      string  `json:"runId"`
}

func (SequenceAbortedMsg) isBroadcast() {}

func NewSequenceAbortedMsg(sequenceID, deviceID, runID string) SequenceAbortedMsg {
	return SequenceAbortedMsg{Type: MsgSequenceAborted, SequenceID: sequenceID, DeviceID: deviceID, RunID: runID}
}

type SequenceErrorMsg struct {
	Type       MsgType `json:"type"`
	SequenceID string  `json:"sequenceId"`
	DeviceID   string  `json:"deviceId"`
	RunID      string  `json:"runId"`
	Error      string  `json:"error"`
}

func (SequenceErrorMsg) isBroadcast() {}

func NewSequenceErrorMsg(sequenceID, deviceID, runID, errMsg string) SequenceErrorMsg {
	return SequenceErrorMsg{Type: MsgSequenceError, SequenceID: sequenceID, DeviceID: deviceID, RunID: runID, Error: errMsg}
}

// ---- Trigger messages ----

type TriggerScriptLifecycleMsg struct {
	Type  MsgType            `json:"type"`
	State TriggerScriptState `json:"state"`
}

func (TriggerScriptLifecycleMsg) isBroadcast() {}

func NewTriggerScriptStartedMsg(st TriggerScriptState) TriggerScriptLifecycleMsg {
	return TriggerScriptLifecycleMsg{Type: MsgTriggerScriptStarted, State: st}
}

func NewTriggerScriptPausedMsg(st TriggerScriptState) TriggerScriptLifecycleMsg {
	return TriggerScriptLifecycleMsg{Type: MsgTriggerScriptPaused, State: st}
}

func NewTriggerScriptResumedMsg(st TriggerScriptState) TriggerScriptLifecycleMsg {
	return TriggerScriptLifecycleMsg{Type: MsgTriggerScriptResumed, State: st}
}

func NewTriggerScriptProgressMsg(st TriggerScriptState) TriggerScriptLifecycleMsg {
	return TriggerScriptLifecycleMsg{Type: MsgTriggerScriptProgress, State: st}
}

type TriggerScriptStoppedMsg struct {
	Type     MsgType `json:"type"`
	ScriptID string  `json:"scriptId"`
}

func (TriggerScriptStoppedMsg) isBroadcast() {}

func NewTriggerScriptStoppedMsg(scriptID string) TriggerScriptStoppedMsg {
	return TriggerScriptStoppedMsg{Type: MsgTriggerScriptStopped, ScriptID: scriptID}
}

type TriggerFiredMsg struct {
	Type         MsgType             `json:"type"`
	ScriptID     string              `json:"scriptId"`
	TriggerID    string              `json:"triggerId"`
	TriggerState TriggerRuntimeState `json:"triggerState"`
}

func (TriggerFiredMsg) isBroadcast() {}

func NewTriggerFiredMsg(scriptID, triggerID string, st TriggerRuntimeState) TriggerFiredMsg {
	return TriggerFiredMsg{Type: MsgTriggerFired, ScriptID: scriptID, TriggerID: triggerID, TriggerState: st}
}

type TriggerActionFailedMsg struct {
	Type       MsgType    `json:"type"`
	ScriptID   string     `json:"scriptId"`
	TriggerID  string     `json:"triggerId"`
	ActionType ActionKind `json:"actionType"`
	Error      string     `json:"error"`
}

func (TriggerActionFailedMsg) isBroadcast() {}

func NewTriggerActionFailedMsg(scriptID, triggerID string, kind ActionKind, errMsg string) TriggerActionFailedMsg {
	return TriggerActionFailedMsg{Type: MsgTriggerActionFailed, ScriptID: scriptID, TriggerID: triggerID, ActionType: kind, Error: errMsg}
}
