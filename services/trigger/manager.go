// services/trigger/manager.go
package trigger

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/errcode"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
)

// Scripts resolves script IDs to stored definitions.
type Scripts interface {
	TriggerScript(id string) (types.TriggerScript, bool)
}

// Deps carries the manager's collaborators. Zero-value fields get defaults.
type Deps struct {
	Bus   *bus.Bus
	Clock clockx.Clock
	Log   *log.Entry
	Cfg   types.TriggerConfig
}

// Manager owns at most one engine per script ID.
type Manager struct {
	log     *log.Entry
	cfg     types.TriggerConfig
	clk     clockx.Clock
	conn    *bus.Connection
	sess    Sessions
	seqs    Sequences
	scripts Scripts

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewManager(sess Sessions, seqs Sequences, scripts Scripts, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockx.System()
	}
	if deps.Log == nil {
		deps.Log = log.NewEntry(log.StandardLogger())
	}
	def := types.DefaultConfig().Trigger
	if deps.Cfg.EvalIntervalMs <= 0 {
		deps.Cfg.EvalIntervalMs = def.EvalIntervalMs
	}
	if deps.Cfg.ProgressIntervalMs <= 0 {
		deps.Cfg.ProgressIntervalMs = def.ProgressIntervalMs
	}
	return &Manager{
		log:     deps.Log,
		cfg:     deps.Cfg,
		clk:     deps.Clock,
		conn:    deps.Bus.NewConnection("trigger-manager"),
		sess:    sess,
		seqs:    seqs,
		scripts: scripts,
		engines: make(map[string]*Engine),
	}
}

// Start runs a stored script. A script runs at most once concurrently.
func (m *Manager) Start(scriptID string) (types.TriggerScriptState, error) {
	script, ok := m.scripts.TriggerScript(scriptID)
	if !ok {
		return types.TriggerScriptState{}, &errcode.E{C: errcode.ScriptNotFound, Op: "trigger.start", Msg: "unknown script " + scriptID}
	}
	if err := script.Validate(); err != nil {
		return types.TriggerScriptState{}, err
	}
	if err := m.resolveRefs(script); err != nil {
		return types.TriggerScriptState{}, err
	}

	m.mu.Lock()
	if _, exists := m.engines[scriptID]; exists {
		m.mu.Unlock()
		return types.TriggerScriptState{}, &errcode.E{C: errcode.BadRequest, Op: "trigger.start", Msg: "script already running"}
	}
	e := m.newEngine(script)
	m.engines[scriptID] = e
	m.mu.Unlock()

	if err := e.Start(); err != nil {
		m.remove(scriptID, e)
		return types.TriggerScriptState{}, err
	}
	return e.State(), nil
}

// resolveRefs checks every device and parameter the script names against the
// live session set: conditions must read a declared measurement, actions must
// target a declared output. References resolve once, at start.
func (m *Manager) resolveRefs(script types.TriggerScript) error {
	caps := func(trigID, devID string) (types.Capabilities, error) {
		c, ok := m.sess.Capabilities(devID)
		if !ok {
			return types.Capabilities{}, &errcode.E{C: errcode.DeviceNotFound, Op: "trigger.start",
				Msg: "trigger " + trigID + ": unknown device " + devID}
		}
		return c, nil
	}
	for _, t := range script.Triggers {
		if c := t.Condition; c.Kind == types.CondValue {
			dc, err := caps(t.ID, c.DeviceID)
			if err != nil {
				return err
			}
			if _, ok := dc.Measurement(c.Parameter); !ok {
				return &errcode.E{C: errcode.ParameterNotFound, Op: "trigger.start",
					Msg: "trigger " + t.ID + ": device " + c.DeviceID + " has no measurement " + c.Parameter}
			}
		}
		a := t.Action
		dc, err := caps(t.ID, a.DeviceID)
		if err != nil {
			return err
		}
		if a.Kind == types.ActionSetValue || a.Kind == types.ActionStartSequence {
			if _, ok := dc.Output(a.Parameter); !ok {
				return &errcode.E{C: errcode.ParameterNotFound, Op: "trigger.start",
					Msg: "trigger " + t.ID + ": device " + a.DeviceID + " has no output " + a.Parameter}
			}
		}
	}
	return nil
}

func (m *Manager) newEngine(script types.TriggerScript) *Engine {
	rt := make([]*runtime, len(script.Triggers))
	for i, t := range script.Triggers {
		rt[i] = &runtime{trig: t}
	}
	return &Engine{
		log:    m.log.WithField("script", script.ID),
		cfg:    m.cfg,
		clk:    m.clk,
		conn:   m.conn,
		sess:   m.sess,
		seqs:   m.seqs,
		script: script,
		state:  types.ExecIdle,
		rt:     rt,
	}
}

// Stop halts the script's engine and forgets it.
func (m *Manager) Stop(scriptID string) error {
	e, err := m.engine(scriptID)
	if err != nil {
		return err
	}
	e.Stop()
	m.remove(scriptID, e)
	return nil
}

// Pause freezes the script's engine.
func (m *Manager) Pause(scriptID string) error {
	e, err := m.engine(scriptID)
	if err != nil {
		return err
	}
	return e.Pause()
}

// Resume restarts a paused engine.
func (m *Manager) Resume(scriptID string) error {
	e, err := m.engine(scriptID)
	if err != nil {
		return err
	}
	return e.Resume()
}

// Active returns the state of the script's engine, if one is running.
func (m *Manager) Active(scriptID string) (types.TriggerScriptState, bool) {
	m.mu.Lock()
	e, ok := m.engines[scriptID]
	m.mu.Unlock()
	if !ok {
		return types.TriggerScriptState{}, false
	}
	return e.State(), true
}

// States lists all engines sorted by script ID.
func (m *Manager) States() []types.TriggerScriptState {
	m.mu.Lock()
	es := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		es = append(es, e)
	}
	m.mu.Unlock()

	out := make([]types.TriggerScriptState, 0, len(es))
	for _, e := range es {
		out = append(out, e.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out
}

// StopAll halts every engine. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	es := make(map[string]*Engine, len(m.engines))
	for id, e := range m.engines {
		es[id] = e
	}
	m.mu.Unlock()
	for id, e := range es {
		e.Stop()
		m.remove(id, e)
	}
}

func (m *Manager) engine(scriptID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[scriptID]
	if !ok {
		return nil, &errcode.E{C: errcode.BadRequest, Op: "trigger", Msg: "script " + scriptID + " is not running"}
	}
	return e, nil
}

func (m *Manager) remove(scriptID string, e *Engine) {
	m.mu.Lock()
	if m.engines[scriptID] == e {
		delete(m.engines, scriptID)
	}
	m.mu.Unlock()
}
