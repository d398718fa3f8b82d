// services/sequence/manager.go
package sequence

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/errcode"
	"benchlab-go/services/session"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
)

// Devices resolves device IDs for validation and writes.
type Devices interface {
	Device(id string) (Device, bool)
}

// Device is the slice of a session the engine needs.
type Device interface {
	Capabilities() types.Capabilities
	SetValue(ctx context.Context, name string, value float64, immediate bool) error
}

// SessionDevices adapts the session manager to the Devices interface.
type SessionDevices struct {
	M *session.Manager
}

func (d SessionDevices) Device(id string) (Device, bool) {
	s, ok := d.M.Session(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Definitions resolves sequence IDs to stored definitions.
type Definitions interface {
	Sequence(id string) (types.SequenceDefinition, bool)
}

// Deps carries the manager's collaborators. Zero-value fields get defaults.
type Deps struct {
	Bus   *bus.Bus
	Clock clockx.Clock
	Log   *log.Entry
	Cfg   types.SequenceConfig
	Seed  int64 // base rng seed for random walks; 0 seeds from wall time
}

// Manager owns at most one active run per device.
type Manager struct {
	log  *log.Entry
	cfg  types.SequenceConfig
	clk  clockx.Clock
	conn *bus.Connection
	devs Devices
	defs Definitions
	seed int64

	mu      sync.Mutex
	seedCtr int64
	runs    map[string]*Controller // keyed by device ID
}

func NewManager(devs Devices, defs Definitions, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockx.System()
	}
	if deps.Log == nil {
		deps.Log = log.NewEntry(log.StandardLogger())
	}
	if deps.Cfg.MinIntervalMs <= 0 {
		deps.Cfg.MinIntervalMs = types.DefaultConfig().Sequence.MinIntervalMs
	}
	return &Manager{
		log:  deps.Log,
		cfg:  deps.Cfg,
		clk:  deps.Clock,
		conn: deps.Bus.NewConnection("sequence-manager"),
		devs: devs,
		defs: defs,
		seed: deps.Seed,
		runs: make(map[string]*Controller),
	}
}

// Run validates the configuration and starts a sequence on the device,
// aborting any run already active there. The returned state reflects the
// run just after its first broadcast.
func (m *Manager) Run(ctx context.Context, cfg types.SequenceRunConfig) (types.SequenceState, error) {
	if err := cfg.Validate(); err != nil {
		return types.SequenceState{}, err
	}
	def, ok := m.defs.Sequence(cfg.SequenceID)
	if !ok {
		return types.SequenceState{}, &errcode.E{C: errcode.SequenceNotFound, Op: "sequence.run", Msg: "unknown sequence " + cfg.SequenceID}
	}
	dev, ok := m.devs.Device(cfg.DeviceID)
	if !ok {
		return types.SequenceState{}, &errcode.E{C: errcode.SessionNotFound, Op: "sequence.run", Msg: "unknown device " + cfg.DeviceID}
	}
	spec, ok := dev.Capabilities().Output(cfg.Parameter)
	if !ok {
		return types.SequenceState{}, &errcode.E{C: errcode.ParameterNotFound, Op: "sequence.run", Msg: fmt.Sprintf("device %s has no output %q", cfg.DeviceID, cfg.Parameter)}
	}
	if spec.Unit != def.Unit {
		return types.SequenceState{}, &errcode.E{C: errcode.UnitMismatch, Op: "sequence.run",
			Msg: fmt.Sprintf("sequence unit %s does not match output %s unit %s", def.Unit, cfg.Parameter, spec.Unit)}
	}
	if err := def.Validate(); err != nil {
		return types.SequenceState{}, err
	}

	m.mu.Lock()
	old := m.runs[cfg.DeviceID]
	m.mu.Unlock()
	if old != nil {
		old.Abort()
	}

	ctl := m.newController(def, cfg, dev)
	m.mu.Lock()
	m.runs[cfg.DeviceID] = ctl
	m.mu.Unlock()

	if err := ctl.Start(ctx); err != nil {
		return types.SequenceState{}, err
	}
	return ctl.State(), nil
}

func (m *Manager) newController(def types.SequenceDefinition, cfg types.SequenceRunConfig, dev Device) *Controller {
	runID := uuid.NewString()
	ctl := &Controller{
		log:   m.log.WithFields(log.Fields{"device": cfg.DeviceID, "sequence": def.ID, "run": runID}),
		cfg:   m.cfg,
		clk:   m.clk,
		conn:  m.conn,
		def:   def,
		run:   cfg,
		runID: runID,
		res:   newResolver(def, rand.New(rand.NewSource(m.nextSeed()))),
		dev:   dev,
		total: cfg.TotalCycles(),
		state: types.ExecIdle,
	}
	ctl.onDone = func() { m.finished(cfg.DeviceID, ctl) }
	return ctl
}

// Abort cancels the device's active run.
func (m *Manager) Abort(deviceID string) error {
	ctl, err := m.active(deviceID)
	if err != nil {
		return err
	}
	ctl.Abort()
	return nil
}

// Pause freezes the device's active run between steps.
func (m *Manager) Pause(deviceID string) error {
	ctl, err := m.active(deviceID)
	if err != nil {
		return err
	}
	return ctl.Pause()
}

// Resume restarts a paused run with its schedule shifted by the pause.
func (m *Manager) Resume(deviceID string) error {
	ctl, err := m.active(deviceID)
	if err != nil {
		return err
	}
	return ctl.Resume()
}

// Active returns the state of the device's run, if one exists.
func (m *Manager) Active(deviceID string) (types.SequenceState, bool) {
	m.mu.Lock()
	ctl, ok := m.runs[deviceID]
	m.mu.Unlock()
	if !ok {
		return types.SequenceState{}, false
	}
	return ctl.State(), true
}

// States lists all active runs sorted by device ID.
func (m *Manager) States() []types.SequenceState {
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.runs))
	for _, ctl := range m.runs {
		ctls = append(ctls, ctl)
	}
	m.mu.Unlock()

	out := make([]types.SequenceState, 0, len(ctls))
	for _, ctl := range ctls {
		out = append(out, ctl.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// StopAll aborts every active run. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.runs))
	for _, ctl := range m.runs {
		ctls = append(ctls, ctl)
	}
	m.mu.Unlock()
	for _, ctl := range ctls {
		ctl.Abort()
	}
}

func (m *Manager) active(deviceID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctl, ok := m.runs[deviceID]
	if !ok {
		return nil, &errcode.E{C: errcode.SequenceNotFound, Op: "sequence", Msg: "no active run on device " + deviceID}
	}
	return ctl, nil
}

func (m *Manager) finished(deviceID string, ctl *Controller) {
	m.mu.Lock()
	if m.runs[deviceID] == ctl {
		delete(m.runs, deviceID)
	}
	m.mu.Unlock()
}

// nextSeed hands each run its own rng so concurrent random walks never
// share state. A fixed base seed keeps walks reproducible under test.
func (m *Manager) nextSeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seedCtr++
	if m.seed != 0 {
		return m.seed + m.seedCtr
	}
	return time.Now().UnixNano() + m.seedCtr
}
