// services/session/session.go
package session

import (
	"context"
	"maps"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/drivers"
	"benchlab-go/errcode"
	"benchlab-go/services/topics"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
	"benchlab-go/x/timex"
)

// Callback receives every broadcast for the subscribed device, in publish
// order. It runs on a per-subscriber goroutine and must not call back into
// the session.
type Callback func(msg types.Broadcast)

// Deps carries the shared plumbing a Session needs. Zero-valued fields take
// defaults (system clock, standard logger, default session config).
type Deps struct {
	Bus   *bus.Bus
	Clock clockx.Clock
	Log   *log.Entry
	Cfg   types.SessionConfig
}

// Session owns the live model of one bench device: it polls the driver at a
// fixed cadence, broadcasts deltas on the bus, and serialises every write
// back to hardware. A session is never removed once created; when its device
// vanishes it parks in the disconnected state until Reconnect.
type Session struct {
	log  *log.Entry
	cfg  types.SessionConfig
	clk  clockx.Clock
	conn *bus.Connection

	info types.DeviceInfo
	caps types.Capabilities

	// mu guards the device model and broadcast ordering. ioMu serialises
	// driver calls; lock order is ioMu then mu, never the reverse.
	mu          sync.Mutex
	drv         drivers.Driver
	status      types.DeviceStatus
	connStatus  types.ConnectionStatus
	errCount    int
	history     types.History
	lastUpdated int64
	polled      bool
	stopped     bool
	pollGen     int
	pollTimer   clockx.Timer
	debounce    map[string]*debounceEntry
	subs        map[string]*pump

	ioMu sync.Mutex
}

type debounceEntry struct {
	timer   clockx.Timer
	value   float64 // last requested value, rewritten on every re-arm
	prev    float64 // setpoint before the first optimistic write of the burst
	hadPrev bool
}

// New builds a session for a freshly probed device and starts polling
// immediately. The driver must already be connected.
func New(info types.DeviceInfo, caps types.Capabilities, drv drivers.Driver, deps Deps) *Session {
	cfg := deps.Cfg
	def := types.DefaultConfig().Session
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = def.PollIntervalMs
	}
	if cfg.HistoryWindowMs <= 0 {
		cfg.HistoryWindowMs = def.HistoryWindowMs
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = def.DebounceMs
	}
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = def.CallTimeoutMs
	}
	clk := deps.Clock
	if clk == nil {
		clk = clockx.System()
	}
	ent := deps.Log
	if ent == nil {
		ent = log.NewEntry(log.StandardLogger())
	}

	s := &Session{
		log:        ent.WithField("device", info.ID),
		cfg:        cfg,
		clk:        clk,
		conn:       deps.Bus.NewConnection("session-" + info.ID),
		info:       info,
		caps:       caps,
		drv:        drv,
		connStatus: types.StatusConnected,
		debounce:   make(map[string]*debounceEntry),
		subs:       make(map[string]*pump),
	}
	s.announce()

	s.mu.Lock()
	s.schedulePollLocked(0)
	s.mu.Unlock()
	return s
}

func (s *Session) ID() string                       { return s.info.ID }
func (s *Session) Info() types.DeviceInfo           { return s.info }
func (s *Session) Capabilities() types.Capabilities { return s.caps }

func (s *Session) ConnectionStatus() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}

// State returns a snapshot safe to hand to the wire.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Setpoints = maps.Clone(st.Setpoints)
	st.Measurements = maps.Clone(st.Measurements)
	return types.SessionState{
		Info:              s.info,
		Capabilities:      s.caps,
		ConnectionStatus:  s.connStatus,
		ConsecutiveErrors: s.errCount,
		Status:            st,
		History:           s.copyHistoryLocked(),
		LastUpdated:       s.lastUpdated,
	}
}

// History returns a snapshot of the measurement history alone.
func (s *Session) History() types.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyHistoryLocked()
}

// Measurement reads one live measurement without blocking.
func (s *Session) Measurement(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.status.Measurements[name]
	return v, ok
}

func (s *Session) copyHistoryLocked() types.History {
	h := s.history
	return types.History{
		Timestamps: append([]int64(nil), h.Timestamps...),
		Voltage:    append([]float64(nil), h.Voltage...),
		Current:    append([]float64(nil), h.Current...),
		Power:      append([]float64(nil), h.Power...),
		Resistance: append([]float64(nil), h.Resistance...),
	}
}

// ---- polling ----

func (s *Session) schedulePollLocked(d time.Duration) {
	if s.stopped {
		return
	}
	gen := s.pollGen
	s.pollTimer = s.clk.AfterFunc(d, func() { s.pollOnce(gen) })
}

func (s *Session) pollOnce(gen int) {
	s.ioMu.Lock()
	s.mu.Lock()
	if s.stopped || gen != s.pollGen {
		s.mu.Unlock()
		s.ioMu.Unlock()
		return
	}
	drv := s.drv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout())
	st, err := drv.GetStatus(ctx)
	cancel()
	s.ioMu.Unlock()

	if err != nil {
		s.pollFailed(gen, err)
		return
	}
	s.applyPoll(gen, st)
}

func (s *Session) applyPoll(gen int, st types.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.pollGen {
		return
	}
	now := timex.ToMs(s.clk.Now())

	// Field deltas first, then the wholesale snapshot replace.
	if s.polled {
		if st.Mode != s.status.Mode {
			s.publishFieldLocked(types.FieldMode, st.Mode)
		}
		if st.OutputEnabled != s.status.OutputEnabled {
			s.publishFieldLocked(types.FieldOutputEnabled, st.OutputEnabled)
		}
	}
	s.status = st
	s.polled = true
	s.lastUpdated = now

	if s.connStatus != types.StatusConnected {
		s.connStatus = types.StatusConnected
		s.publishFieldLocked(types.FieldConnectionStatus, types.StatusConnected)
	}
	s.errCount = 0

	s.appendHistoryLocked(now, st.Measurements)
	s.trimHistoryLocked(now - int64(s.cfg.HistoryWindowMs))

	s.publishLocked(topics.Measurement(s.info.ID),
		types.NewMeasurementMsg(s.info.ID, now, st.Measurements))

	s.schedulePollLocked(s.cfg.PollInterval())
}

func (s *Session) pollFailed(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.pollGen {
		return
	}
	s.errCount++
	fatal := errcode.IsFatal(err)
	if fatal || s.errCount >= s.cfg.MaxConsecutiveErrors {
		// The transition broadcast goes out before polling halts.
		if s.connStatus != types.StatusDisconnected {
			s.connStatus = types.StatusDisconnected
			s.publishFieldLocked(types.FieldConnectionStatus, types.StatusDisconnected)
		}
		s.log.WithError(err).WithFields(log.Fields{
			"errors": s.errCount,
			"fatal":  fatal,
		}).Warn("device disconnected, polling halted")
		return
	}
	if s.connStatus == types.StatusConnected {
		s.connStatus = types.StatusError
		s.publishFieldLocked(types.FieldConnectionStatus, types.StatusError)
	}
	s.log.WithError(err).WithField("errors", s.errCount).Debug("poll failed")
	s.schedulePollLocked(s.cfg.PollInterval())
}

func (s *Session) appendHistoryLocked(ts int64, m map[string]float64) {
	h := &s.history
	h.Timestamps = append(h.Timestamps, ts)
	h.Voltage = append(h.Voltage, m["voltage"])
	h.Current = append(h.Current, m["current"])
	h.Power = append(h.Power, m["power"])

	r, ok := m["resistance"]
	if h.Resistance == nil && !ok {
		return
	}
	if h.Resistance == nil {
		// First observation: zero-fill so the series stays index-aligned.
		h.Resistance = make([]float64, len(h.Timestamps)-1, len(h.Timestamps))
	}
	h.Resistance = append(h.Resistance, r)
}

func (s *Session) trimHistoryLocked(cutoff int64) {
	h := &s.history
	n := 0
	for n < len(h.Timestamps) && h.Timestamps[n] < cutoff {
		n++
	}
	if n == 0 {
		return
	}
	h.Timestamps = h.Timestamps[n:]
	h.Voltage = h.Voltage[n:]
	h.Current = h.Current[n:]
	h.Power = h.Power[n:]
	if h.Resistance != nil {
		h.Resistance = h.Resistance[n:]
	}
}

// ---- writes ----

// SetMode commands an operating-mode change with optimistic broadcast and
// rollback on driver failure.
func (s *Session) SetMode(ctx context.Context, mode types.Mode) error {
	if !s.caps.ModeSettable {
		return &errcode.E{C: errcode.Unsupported, Op: "session.setMode", Msg: "mode is not settable on " + s.info.ID}
	}
	if !s.caps.HasMode(mode) {
		return &errcode.E{C: errcode.BadRequest, Op: "session.setMode", Msg: "unknown mode " + string(mode)}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped(s.info.ID)
	}
	prev := s.status.Mode
	s.status.Mode = mode
	s.publishFieldLocked(types.FieldMode, mode)
	drv := s.drv
	s.mu.Unlock()

	if err := s.callDriver(ctx, func(c context.Context) error { return drv.SetMode(c, mode) }); err != nil {
		s.mu.Lock()
		s.status.Mode = prev
		s.publishFieldLocked(types.FieldMode, prev)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SetOutput toggles the output stage, same optimistic contract as SetMode.
func (s *Session) SetOutput(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped(s.info.ID)
	}
	prev := s.status.OutputEnabled
	s.status.OutputEnabled = enabled
	s.publishFieldLocked(types.FieldOutputEnabled, enabled)
	drv := s.drv
	s.mu.Unlock()

	if err := s.callDriver(ctx, func(c context.Context) error { return drv.SetOutput(c, enabled) }); err != nil {
		s.mu.Lock()
		s.status.OutputEnabled = prev
		s.publishFieldLocked(types.FieldOutputEnabled, prev)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SetValue updates one setpoint. The in-memory value and its broadcast are
// optimistic either way; immediate writes hit the driver in the calling turn
// while debounced writes collapse rapid calls per name into a single write
// of the most recent value.
func (s *Session) SetValue(ctx context.Context, name string, value float64, immediate bool) error {
	if _, ok := s.caps.Output(name); !ok {
		return &errcode.E{C: errcode.ParameterNotFound, Op: "session.setValue", Msg: "no output named " + name + " on " + s.info.ID}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &errcode.E{C: errcode.BadRequest, Op: "session.setValue", Msg: "value must be finite"}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped(s.info.ID)
	}
	prev, had := s.status.Setpoints[name]
	if s.status.Setpoints == nil {
		s.status.Setpoints = make(map[string]float64)
	}
	s.status.Setpoints[name] = value
	s.publishSetpointsLocked()

	if !immediate {
		s.armDebounceLocked(name, value, prev, had)
		s.mu.Unlock()
		return nil
	}
	drv := s.drv
	s.mu.Unlock()

	if err := s.callDriver(ctx, func(c context.Context) error { return drv.SetValue(c, name, value) }); err != nil {
		s.recoverSetValue(name, prev, had, err)
		return &errcode.E{C: errcode.SetValueFailed, Op: "session.setValue", Msg: "write of " + name + " failed", Err: err}
	}
	return nil
}

func (s *Session) armDebounceLocked(name string, value, prev float64, had bool) {
	e := s.debounce[name]
	if e == nil {
		e = &debounceEntry{prev: prev, hadPrev: had}
		s.debounce[name] = e
	} else {
		e.timer.Stop()
	}
	e.value = value
	e.timer = s.clk.AfterFunc(s.cfg.Debounce(), func() { s.debounceFire(name) })
}

func (s *Session) debounceFire(name string) {
	s.mu.Lock()
	e := s.debounce[name]
	if e == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.debounce, name)
	value := e.value
	drv := s.drv
	s.mu.Unlock()

	err := s.callDriver(context.Background(), func(c context.Context) error {
		return drv.SetValue(c, name, value)
	})
	if err != nil {
		s.recoverSetValue(name, e.prev, e.hadPrev, err)
	}
}

// recoverSetValue runs after a failed driver write: ask the device for the
// actual value if the driver can read it back, otherwise fall back to the
// pre-optimistic one, then broadcast the corrected setpoints plus a
// SET_VALUE_FAILED error.
func (s *Session) recoverSetValue(name string, prev float64, had bool, cause error) {
	s.mu.Lock()
	drv := s.drv
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	corrected, readBack := 0.0, false
	if vr, ok := drv.(drivers.ValueReader); ok {
		err := s.callDriver(context.Background(), func(c context.Context) error {
			v, gerr := vr.GetValue(c, name)
			if gerr == nil {
				corrected, readBack = v, true
			}
			return gerr
		})
		_ = err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.status.Setpoints == nil {
		s.status.Setpoints = make(map[string]float64)
	}
	switch {
	case readBack:
		s.status.Setpoints[name] = corrected
	case had:
		s.status.Setpoints[name] = prev
	default:
		delete(s.status.Setpoints, name)
	}
	s.publishSetpointsLocked()
	s.publishLocked(topics.Error(s.info.ID),
		types.NewErrorMsg(s.info.ID, string(errcode.SetValueFailed), cause.Error()))
	s.log.WithError(cause).WithField("name", name).Warn("setpoint write failed")
}

// callDriver serialises one driver call under ioMu with the per-call timeout.
func (s *Session) callDriver(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	defer cancel()
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return fn(ctx)
}

// ---- lifecycle ----

// Reconnect swaps in a fresh driver after rediscovery. It blocks until any
// in-flight driver call has finished, then resets the error counter, marks
// the session connected, and resumes polling.
func (s *Session) Reconnect(newDrv drivers.Driver) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		_ = newDrv.Disconnect()
		return
	}
	if s.drv != nil && s.drv != newDrv {
		_ = s.drv.Disconnect()
	}
	s.drv = newDrv
	s.errCount = 0
	s.pollGen++ // any in-flight result is stale now
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	s.connStatus = types.StatusConnected
	s.publishFieldLocked(types.FieldConnectionStatus, types.StatusConnected)
	s.announce()
	s.schedulePollLocked(0)
	s.log.Info("driver reconnected")
}

// Stop is terminal: it cancels the poll chain and every pending debounce
// timer, drops all subscribers, and closes the driver. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.pollGen++
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	for name, e := range s.debounce {
		e.timer.Stop()
		delete(s.debounce, name)
	}
	subs := s.subs
	s.subs = make(map[string]*pump)
	drv := s.drv
	s.mu.Unlock()

	for _, p := range subs {
		p.close()
	}
	s.ioMu.Lock()
	if drv != nil {
		_ = drv.Disconnect()
	}
	s.ioMu.Unlock()
	s.conn.Disconnect()
	s.log.Info("session stopped")
}

// ---- fan-out ----

// Subscribe registers cb under clientID; re-subscribing the same id replaces
// the previous callback.
func (s *Session) Subscribe(clientID string, cb Callback) {
	p := newPump(s.conn, topics.DeviceAll(s.info.ID), cb, s.log)

	s.mu.Lock()
	old := s.subs[clientID]
	stopped := s.stopped
	if !stopped {
		s.subs[clientID] = p
	}
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	if stopped {
		p.close()
	}
}

func (s *Session) Unsubscribe(clientID string) {
	s.mu.Lock()
	p := s.subs[clientID]
	delete(s.subs, clientID)
	s.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// ---- native list mode ----

// RunList uploads a step table to the instrument and starts native playback.
// Fails with UNSUPPORTED when the driver has no list engine.
func (s *Session) RunList(ctx context.Context, mode types.Mode, steps []types.SequenceStep) error {
	s.mu.Lock()
	drv := s.drv
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errStopped(s.info.ID)
	}
	lr, ok := drv.(drivers.ListRunner)
	if !ok {
		return &errcode.E{C: errcode.Unsupported, Op: "session.runList", Msg: s.info.ID + " has no native list mode"}
	}
	return s.callDriver(ctx, func(c context.Context) error {
		if err := lr.UploadList(c, mode, steps); err != nil {
			return err
		}
		return lr.StartList(c)
	})
}

// StopList halts native playback and returns the instrument to fixed mode.
func (s *Session) StopList(ctx context.Context) error {
	s.mu.Lock()
	drv := s.drv
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errStopped(s.info.ID)
	}
	lr, ok := drv.(drivers.ListRunner)
	if !ok {
		return &errcode.E{C: errcode.Unsupported, Op: "session.stopList", Msg: s.info.ID + " has no native list mode"}
	}
	return s.callDriver(ctx, lr.StopList)
}

// ---- publishing ----

func (s *Session) announce() {
	s.conn.Publish(s.conn.NewMessage(topics.Info(s.info.ID),
		types.DeviceAnnounce{Info: s.info, Capabilities: s.caps}, true))
}

func (s *Session) publishLocked(t bus.Topic, msg types.Broadcast) {
	s.conn.Publish(s.conn.NewMessage(t, msg, false))
}

func (s *Session) publishFieldLocked(field types.FieldName, value any) {
	s.publishLocked(topics.Field(s.info.ID), types.NewFieldMsg(s.info.ID, field, value))
}

func (s *Session) publishSetpointsLocked() {
	s.publishFieldLocked(types.FieldSetpoints, maps.Clone(s.status.Setpoints))
}

func errStopped(id string) error {
	return &errcode.E{C: errcode.Error, Op: "session", Msg: "session " + id + " is stopped"}
}
