// services/trigger/engine.go
package trigger

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/errcode"
	"benchlab-go/services/topics"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
	"benchlab-go/x/timex"
)

// Sessions is the slice of the session manager the engine reads
// measurements from and dispatches device actions through.
type Sessions interface {
	Measurement(deviceID, name string) (float64, bool)
	Capabilities(deviceID string) (types.Capabilities, bool)
	SetValue(ctx context.Context, deviceID, name string, value float64, immediate bool) error
	SetOutput(ctx context.Context, deviceID string, enabled bool) error
	SetMode(ctx context.Context, deviceID string, mode types.Mode) error
}

// Sequences is the slice of the sequence manager trigger actions drive.
type Sequences interface {
	Run(ctx context.Context, cfg types.SequenceRunConfig) (types.SequenceState, error)
	Abort(deviceID string) error
	Pause(deviceID string) error
}

// runtime tracks edge detection and firing for one trigger. prevMet is
// engine-internal; broadcasts carry only the current condition state.
type runtime struct {
	trig      types.Trigger
	fired     int
	lastFired int64
	met       bool
	prevMet   bool
	timeDone  bool // one-shot time condition already reached its instant
	timer     clockx.Timer
}

func (r *runtime) snapshot() types.TriggerRuntimeState {
	return types.TriggerRuntimeState{
		TriggerID:    r.trig.ID,
		FiredCount:   r.fired,
		LastFiredAt:  r.lastFired,
		ConditionMet: r.met,
	}
}

// Engine runs one trigger script: value conditions are evaluated on a
// periodic tick against live measurements and fire on the rising edge;
// time conditions fire off one-shot timers anchored to the script start.
// Action dispatch happens outside the engine lock since driver calls
// block.
type Engine struct {
	log    *log.Entry
	cfg    types.TriggerConfig
	clk    clockx.Clock
	conn   *bus.Connection
	sess   Sessions
	seqs   Sequences
	script types.TriggerScript

	mu           sync.Mutex
	state        types.ExecState
	startedAt    int64
	pausedAt     int64
	pauseElapsed int64
	rt           []*runtime
	evalTimer    clockx.Timer
	progTimer    clockx.Timer
	gen          int
}

// Start arms the time-condition timers and the evaluator, broadcasting
// triggerScriptStarted before anything can fire.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != types.ExecIdle {
		return &errcode.E{C: errcode.BadRequest, Op: "trigger.start", Msg: "script already started"}
	}
	e.state = types.ExecRunning
	e.startedAt = timex.ToMs(e.clk.Now())
	gen := e.gen
	e.broadcast(types.NewTriggerScriptStartedMsg(e.snapshotLocked()))
	for i, rt := range e.rt {
		if rt.trig.Condition.Kind != types.CondTime {
			continue
		}
		idx := i
		d := time.Duration(rt.trig.Condition.Seconds * float64(time.Second))
		rt.timer = e.clk.AfterFunc(d, func() { e.timeFire(gen, idx) })
	}
	e.armEvalLocked(gen)
	e.armProgressLocked(gen)
	e.log.Info("trigger script started")
	return nil
}

// Pause stops the evaluator and clears pending time timers. Unfired time
// conditions keep their remaining offset for resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != types.ExecRunning {
		return &errcode.E{C: errcode.BadRequest, Op: "trigger.pause", Msg: "script is not running"}
	}
	e.state = types.ExecPaused
	e.pausedAt = timex.ToMs(e.clk.Now())
	e.gen++
	e.stopTimersLocked()
	e.broadcast(types.NewTriggerScriptPausedMsg(e.snapshotLocked()))
	return nil
}

// Resume reschedules every unfired time condition at its remaining offset
// and restarts the evaluator and progress ticker.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != types.ExecPaused {
		return &errcode.E{C: errcode.BadRequest, Op: "trigger.resume", Msg: "script is not paused"}
	}
	now := timex.ToMs(e.clk.Now())
	e.pauseElapsed += now - e.pausedAt
	e.state = types.ExecRunning
	gen := e.gen
	elapsed := now - e.startedAt - e.pauseElapsed
	for i, rt := range e.rt {
		if rt.trig.Condition.Kind != types.CondTime || rt.timeDone {
			continue
		}
		remaining := int64(rt.trig.Condition.Seconds*1000) - elapsed
		if remaining < 0 {
			remaining = 0
		}
		idx := i
		rt.timer = e.clk.AfterFunc(time.Duration(remaining)*time.Millisecond, func() { e.timeFire(gen, idx) })
	}
	e.armEvalLocked(gen)
	e.armProgressLocked(gen)
	e.broadcast(types.NewTriggerScriptResumedMsg(e.snapshotLocked()))
	return nil
}

// Stop cancels all timers and broadcasts triggerScriptStopped. Calling it
// on an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != types.ExecRunning && e.state != types.ExecPaused {
		e.mu.Unlock()
		return
	}
	e.gen++
	e.stopTimersLocked()
	e.state = types.ExecIdle
	e.broadcast(types.NewTriggerScriptStoppedMsg(e.script.ID))
	e.mu.Unlock()
	e.log.Info("trigger script stopped")
}

// State returns a snapshot of the engine.
func (e *Engine) State() types.TriggerScriptState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// ---- evaluation ----

type firing struct {
	id     string
	msg    types.TriggerFiredMsg
	action types.TriggerAction
}

func (e *Engine) evalTick(gen int) {
	e.mu.Lock()
	if gen != e.gen || e.state != types.ExecRunning {
		e.mu.Unlock()
		return
	}
	now := timex.ToMs(e.clk.Now())
	var fired []firing
	for _, rt := range e.rt {
		c := rt.trig.Condition
		if c.Kind != types.CondValue {
			continue
		}
		v, ok := e.sess.Measurement(c.DeviceID, c.Parameter)
		if !ok {
			continue // no session or no such measurement yet; state unchanged
		}
		rt.prevMet = rt.met
		rt.met = c.Operator.Eval(v, c.Threshold)
		if rt.met && !rt.prevMet && e.shouldFireLocked(rt, now) {
			rt.fired++
			rt.lastFired = now
			fired = append(fired, firing{
				id:     rt.trig.ID,
				msg:    types.NewTriggerFiredMsg(e.script.ID, rt.trig.ID, rt.snapshot()),
				action: rt.trig.Action,
			})
		}
	}
	e.armEvalLocked(gen)
	e.mu.Unlock()

	for _, f := range fired {
		e.broadcast(f.msg)
		e.dispatch(f.id, f.action)
	}
}

func (e *Engine) timeFire(gen, i int) {
	e.mu.Lock()
	if gen != e.gen || e.state != types.ExecRunning {
		e.mu.Unlock()
		return
	}
	rt := e.rt[i]
	rt.timeDone = true
	rt.prevMet = rt.met
	rt.met = true
	now := timex.ToMs(e.clk.Now())
	if !e.shouldFireLocked(rt, now) {
		e.mu.Unlock()
		return
	}
	rt.fired++
	rt.lastFired = now
	msg := types.NewTriggerFiredMsg(e.script.ID, rt.trig.ID, rt.snapshot())
	action := rt.trig.Action
	id := rt.trig.ID
	e.mu.Unlock()

	e.broadcast(msg)
	e.dispatch(id, action)
}

// shouldFireLocked applies the debounce window and the once-only rule.
func (e *Engine) shouldFireLocked(rt *runtime, now int64) bool {
	if rt.trig.DebounceMs > 0 && rt.lastFired > 0 && now-rt.lastFired < int64(rt.trig.DebounceMs) {
		return false
	}
	if rt.trig.Repeat == types.TriggerOnce && rt.fired > 0 {
		return false
	}
	return true
}

// dispatch invokes the trigger's action. Failures are broadcast and
// logged; the engine keeps running.
func (e *Engine) dispatch(triggerID string, a types.TriggerAction) {
	ctx := context.Background()
	var err error
	switch a.Kind {
	case types.ActionSetValue:
		err = e.sess.SetValue(ctx, a.DeviceID, a.Parameter, a.Value, true)
	case types.ActionSetOutput:
		err = e.sess.SetOutput(ctx, a.DeviceID, a.Enabled)
	case types.ActionSetMode:
		err = e.sess.SetMode(ctx, a.DeviceID, a.Mode)
	case types.ActionStartSequence:
		cfg := types.SequenceRunConfig{
			SequenceID:  a.SequenceID,
			DeviceID:    a.DeviceID,
			Parameter:   a.Parameter,
			Repeat:      a.Repeat,
			RepeatCount: a.RepeatCount,
		}
		if cfg.Repeat == "" {
			cfg.Repeat = types.RepeatOnce
		}
		_, err = e.seqs.Run(ctx, cfg)
	case types.ActionStopSequence:
		err = e.seqs.Abort(a.DeviceID)
	case types.ActionPauseSequence:
		err = e.seqs.Pause(a.DeviceID)
	default:
		err = &errcode.E{C: errcode.BadRequest, Op: "trigger.dispatch", Msg: "unknown action kind " + string(a.Kind)}
	}
	if err != nil {
		e.broadcast(types.NewTriggerActionFailedMsg(e.script.ID, triggerID, a.Kind, err.Error()))
		e.log.WithError(err).WithField("trigger", triggerID).Warn("trigger action failed")
	}
}

// ---- timers & snapshots ----

func (e *Engine) armEvalLocked(gen int) {
	e.evalTimer = e.clk.AfterFunc(e.cfg.EvalInterval(), func() { e.evalTick(gen) })
}

func (e *Engine) armProgressLocked(gen int) {
	e.progTimer = e.clk.AfterFunc(e.cfg.ProgressInterval(), func() { e.progressTick(gen) })
}

func (e *Engine) progressTick(gen int) {
	e.mu.Lock()
	if gen != e.gen || e.state != types.ExecRunning {
		e.mu.Unlock()
		return
	}
	e.broadcast(types.NewTriggerScriptProgressMsg(e.snapshotLocked()))
	e.armProgressLocked(gen)
	e.mu.Unlock()
}

func (e *Engine) stopTimersLocked() {
	if e.evalTimer != nil {
		e.evalTimer.Stop()
	}
	if e.progTimer != nil {
		e.progTimer.Stop()
	}
	for _, rt := range e.rt {
		if rt.timer != nil {
			rt.timer.Stop()
			rt.timer = nil
		}
	}
}

func (e *Engine) snapshotLocked() types.TriggerScriptState {
	elapsed := timex.ToMs(e.clk.Now()) - e.startedAt - e.pauseElapsed
	if e.state == types.ExecPaused {
		elapsed = e.pausedAt - e.startedAt - e.pauseElapsed
	}
	trs := make([]types.TriggerRuntimeState, len(e.rt))
	for i, rt := range e.rt {
		trs[i] = rt.snapshot()
	}
	return types.TriggerScriptState{
		ScriptID:  e.script.ID,
		State:     e.state,
		StartedAt: e.startedAt,
		ElapsedMs: elapsed,
		Triggers:  trs,
	}
}

func (e *Engine) broadcast(msg types.Broadcast) {
	e.conn.Publish(e.conn.NewMessage(topics.Trigger(e.script.ID), msg, false))
}
