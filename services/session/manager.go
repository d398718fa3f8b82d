// services/session/manager.go
package session

import (
	"context"
	"sort"
	"sync"

	"benchlab-go/drivers"
	"benchlab-go/errcode"
	"benchlab-go/types"
)

// Candidate is one discovered device ready for adoption: probed identity,
// capabilities, and a connected driver.
type Candidate struct {
	Info         types.DeviceInfo
	Capabilities types.Capabilities
	Driver       drivers.Driver
}

// Manager owns the session set. Sessions are created on first discovery and
// never removed; a vanished device parks as disconnected until the scanner
// hands in a fresh driver.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// SyncDevices reconciles the session set against one scan result: known ids
// get the fresh driver via Reconnect, unknown ids get a new session. Nothing
// is ever removed here.
func (m *Manager) SyncDevices(found []Candidate) {
	for _, c := range found {
		m.mu.RLock()
		s := m.sessions[c.Info.ID]
		m.mu.RUnlock()
		if s != nil {
			s.Reconnect(c.Driver)
			continue
		}
		s = New(c.Info, c.Capabilities, c.Driver, m.deps)
		m.mu.Lock()
		if prev := m.sessions[c.Info.ID]; prev != nil {
			// Lost the race to a concurrent sync; keep the first one.
			m.mu.Unlock()
			s.Stop()
			prev.Reconnect(c.Driver)
			continue
		}
		m.sessions[c.Info.ID] = s
		m.mu.Unlock()
	}
}

func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Has(id string) bool {
	_, ok := m.Session(id)
	return ok
}

// IsDisconnected reports whether id exists and has halted polling. The
// scanner uses this to decide which paths are worth re-probing.
func (m *Manager) IsDisconnected(id string) bool {
	s, ok := m.Session(id)
	return ok && s.ConnectionStatus() == types.StatusDisconnected
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Summaries lists every session sorted by id.
func (m *Manager) Summaries() []types.DeviceSummary {
	m.mu.RLock()
	out := make([]types.DeviceSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, types.DeviceSummary{
			ID:               s.ID(),
			Info:             s.Info(),
			ConnectionStatus: s.ConnectionStatus(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll stops every session. Used on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		s.Stop()
	}
}

// ---- action facades ----

func (m *Manager) get(id string) (*Session, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, &errcode.E{C: errcode.SessionNotFound, Op: "manager", Msg: "no session for device " + id}
	}
	return s, nil
}

func (m *Manager) State(deviceID string) (types.SessionState, error) {
	s, err := m.get(deviceID)
	if err != nil {
		return types.SessionState{}, err
	}
	return s.State(), nil
}

func (m *Manager) History(deviceID string) (types.History, error) {
	s, err := m.get(deviceID)
	if err != nil {
		return types.History{}, err
	}
	return s.History(), nil
}

func (m *Manager) SetMode(ctx context.Context, deviceID string, mode types.Mode) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return s.SetMode(ctx, mode)
}

func (m *Manager) SetOutput(ctx context.Context, deviceID string, enabled bool) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return s.SetOutput(ctx, enabled)
}

func (m *Manager) SetValue(ctx context.Context, deviceID, name string, value float64, immediate bool) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return s.SetValue(ctx, name, value, immediate)
}

func (m *Manager) RunList(ctx context.Context, deviceID string, mode types.Mode, steps []types.SequenceStep) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return s.RunList(ctx, mode, steps)
}

func (m *Manager) StopList(ctx context.Context, deviceID string) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return s.StopList(ctx)
}

// Measurement reads one live measurement; ok is false when the device or the
// channel is unknown.
func (m *Manager) Measurement(deviceID, name string) (float64, bool) {
	s, ok := m.Session(deviceID)
	if !ok {
		return 0, false
	}
	return s.Measurement(name)
}

// Capabilities returns the device's declared capabilities; ok is false when
// the device is unknown.
func (m *Manager) Capabilities(deviceID string) (types.Capabilities, bool) {
	s, ok := m.Session(deviceID)
	if !ok {
		return types.Capabilities{}, false
	}
	return s.Capabilities(), true
}

// ---- subscription facades ----

func (m *Manager) Subscribe(deviceID, clientID string, cb Callback) error {
	s, err := m.get(deviceID)
	if err != nil {
		return err
	}
	s.Subscribe(clientID, cb)
	return nil
}

func (m *Manager) Unsubscribe(deviceID, clientID string) {
	if s, ok := m.Session(deviceID); ok {
		s.Unsubscribe(clientID)
	}
}

// UnsubscribeAll walks every session dropping clientID. Called when a
// websocket client goes away.
func (m *Manager) UnsubscribeAll(clientID string) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		s.Unsubscribe(clientID)
	}
}
