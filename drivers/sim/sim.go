// Package sim provides simulated bench instruments: a power supply and an
// electronic load with first-order settling and a deterministic noise
// source. benchlabd -sim serves these instead of scanning hardware, which
// is also how the discovery path is exercised in tests.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"benchlab-go/drivers"
	"benchlab-go/errcode"
	"benchlab-go/types"
)

// Config describes one simulated instrument. Zero fields get defaults.
type Config struct {
	Kind   types.Kind // KindPowerSupply (default) or KindElectronicLoad
	Serial string     // default "SIM0001"

	// Tau is the first-order settling constant of the readings.
	Tau time.Duration // default 300ms

	// Noise is the peak relative noise on measurements; negative disables.
	Noise float64 // default 0.002

	Seed int64 // PRNG seed, default 1

	// LoadOhms is the resistor the simulated supply drives.
	LoadOhms float64 // default 10

	// SourceVolts feeds the simulated electronic load.
	SourceVolts float64 // default 12
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = types.KindPowerSupply
	}
	if c.Serial == "" {
		c.Serial = "SIM0001"
	}
	if c.Tau <= 0 {
		c.Tau = 300 * time.Millisecond
	}
	if c.Noise < 0 {
		c.Noise = 0
	} else if c.Noise == 0 {
		c.Noise = 0.002
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.LoadOhms <= 0 {
		c.LoadOhms = 10
	}
	if c.SourceVolts <= 0 {
		c.SourceVolts = 12
	}
	return c
}

// Driver simulates one instrument.
type Driver struct {
	cfg  Config
	info types.DeviceInfo
	caps types.Capabilities

	mu        sync.Mutex
	rng       *rand.Rand
	mode      types.Mode
	output    bool
	setpoints map[string]float64
	measured  float64 // settled primary reading (V for a supply, A for a load)
	lastTick  time.Time
}

func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()
	d := &Driver{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	switch cfg.Kind {
	case types.KindElectronicLoad:
		d.caps = loadCaps()
		d.mode = types.ModeCC
		d.setpoints = map[string]float64{"current": 1.0, "voltage": 5.0, "resistance": 100, "power": 10}
	default:
		d.caps = supplyCaps()
		d.mode = types.ModeCV
		d.setpoints = map[string]float64{"voltage": 5.0, "current": 1.0}
	}
	return d
}

func supplyCaps() types.Capabilities {
	return types.Capabilities{
		Modes:        []types.Mode{types.ModeCV, types.ModeCC},
		ModeSettable: false,
		Outputs: []types.OutputSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 2, Min: 0, Max: 30},
			{Name: "current", Unit: types.UnitAmp, Decimals: 3, Min: 0, Max: 5},
		},
		Measurements: []types.MeasurementSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 2},
			{Name: "current", Unit: types.UnitAmp, Decimals: 3},
			{Name: "power", Unit: types.UnitWatt, Decimals: 2},
		},
	}
}

func loadCaps() types.Capabilities {
	return types.Capabilities{
		Modes:        []types.Mode{types.ModeCC, types.ModeCV, types.ModeCR, types.ModeCP},
		ModeSettable: true,
		Outputs: []types.OutputSpec{
			{Name: "current", Unit: types.UnitAmp, Decimals: 4, Min: 0, Max: 40, Modes: []types.Mode{types.ModeCC}},
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 3, Min: 0, Max: 150, Modes: []types.Mode{types.ModeCV}},
			{Name: "resistance", Unit: types.UnitOhm, Decimals: 3, Min: 0.08, Max: 15000, Modes: []types.Mode{types.ModeCR}},
			{Name: "power", Unit: types.UnitWatt, Decimals: 3, Min: 0, Max: 200, Modes: []types.Mode{types.ModeCP}},
		},
		Measurements: []types.MeasurementSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 3},
			{Name: "current", Unit: types.UnitAmp, Decimals: 4},
			{Name: "power", Unit: types.UnitWatt, Decimals: 3},
			{Name: "resistance", Unit: types.UnitOhm, Decimals: 3},
		},
	}
}

func (d *Driver) Info() types.DeviceInfo           { return d.info }
func (d *Driver) Capabilities() types.Capabilities { return d.caps }

func (d *Driver) Probe(ctx context.Context) (types.DeviceInfo, error) {
	model := "SIM-PSU"
	if d.cfg.Kind == types.KindElectronicLoad {
		model = "SIM-LOAD"
	}
	d.info = types.DeviceInfo{
		ID:           drivers.MakeID(model, d.cfg.Serial, ""),
		Kind:         d.cfg.Kind,
		Manufacturer: "BenchLab",
		Model:        model,
		Serial:       d.cfg.Serial,
	}
	return d.info, nil
}

func (d *Driver) Connect(ctx context.Context) error { return nil }
func (d *Driver) Disconnect() error                 { return nil }

func (d *Driver) GetStatus(ctx context.Context) (types.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.settle(time.Now())

	var st types.DeviceStatus
	if d.cfg.Kind == types.KindElectronicLoad {
		st = d.loadStatus()
	} else {
		st = d.supplyStatus()
	}
	return st, nil
}

// settle advances the first-order response toward the current target.
func (d *Driver) settle(now time.Time) {
	target := d.target()
	if d.lastTick.IsZero() {
		d.measured = target
		d.lastTick = now
		return
	}
	dt := now.Sub(d.lastTick)
	d.lastTick = now
	k := 1 - math.Exp(-dt.Seconds()/d.cfg.Tau.Seconds())
	d.measured += (target - d.measured) * k
}

// target is the steady-state primary reading for the present settings.
func (d *Driver) target() float64 {
	if !d.output {
		return 0
	}
	if d.cfg.Kind == types.KindElectronicLoad {
		return d.loadTargetCurrent()
	}
	// Supply: voltage limited by the current limit into the load resistor.
	limitV := d.setpoints["current"] * d.cfg.LoadOhms
	return math.Min(d.setpoints["voltage"], limitV)
}

func (d *Driver) loadTargetCurrent() float64 {
	v := d.cfg.SourceVolts
	switch d.mode {
	case types.ModeCC:
		return d.setpoints["current"]
	case types.ModeCV:
		// Sinks whatever holds the source at the setpoint; crude model.
		if d.setpoints["voltage"] >= v {
			return 0
		}
		return (v - d.setpoints["voltage"]) / 0.05
	case types.ModeCR:
		if d.setpoints["resistance"] <= 0 {
			return 0
		}
		return v / d.setpoints["resistance"]
	case types.ModeCP:
		if v <= 0 {
			return 0
		}
		return d.setpoints["power"] / v
	}
	return 0
}

func (d *Driver) supplyStatus() types.DeviceStatus {
	vset, iset := d.setpoints["voltage"], d.setpoints["current"]
	mode := types.ModeCV
	if d.output && vset > iset*d.cfg.LoadOhms {
		mode = types.ModeCC
	}
	d.mode = mode

	v := d.noisy(d.measured)
	i := 0.0
	if d.cfg.LoadOhms > 0 {
		i = d.noisy(d.measured / d.cfg.LoadOhms)
	}
	return types.DeviceStatus{
		Mode:          mode,
		OutputEnabled: d.output,
		Setpoints:     map[string]float64{"voltage": vset, "current": iset},
		Measurements:  map[string]float64{"voltage": v, "current": i, "power": v * i},
	}
}

func (d *Driver) loadStatus() types.DeviceStatus {
	i := d.noisy(d.measured)
	v := d.cfg.SourceVolts - i*0.05
	if v < 0 {
		v = 0
	}
	v = d.noisy(v)

	meas := map[string]float64{"voltage": v, "current": i, "power": v * i}
	if i > 1e-6 {
		meas["resistance"] = v / i
	}
	sp := make(map[string]float64, len(d.setpoints))
	for k, val := range d.setpoints {
		sp[k] = val
	}
	running := false
	return types.DeviceStatus{
		Mode:          d.mode,
		OutputEnabled: d.output,
		Setpoints:     sp,
		Measurements:  meas,
		ListRunning:   &running,
	}
}

func (d *Driver) noisy(v float64) float64 {
	if d.cfg.Noise <= 0 {
		return v
	}
	return v * (1 + (d.rng.Float64()*2-1)*d.cfg.Noise)
}

func (d *Driver) SetMode(ctx context.Context, mode types.Mode) error {
	if !d.caps.ModeSettable {
		return &errcode.E{C: errcode.Unsupported, Op: "sim.setMode", Msg: "mode is inferred on this instrument"}
	}
	if !d.caps.HasMode(mode) {
		return &errcode.E{C: errcode.BadRequest, Op: "sim.setMode", Msg: "unknown mode " + string(mode)}
	}
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetOutput(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	d.output = enabled
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetValue(ctx context.Context, name string, value float64) error {
	if _, ok := d.caps.Output(name); !ok {
		return &errcode.E{C: errcode.ParameterNotFound, Op: "sim.setValue", Msg: name}
	}
	d.mu.Lock()
	d.setpoints[name] = value
	d.mu.Unlock()
	return nil
}

func (d *Driver) GetValue(ctx context.Context, name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.setpoints[name]
	if !ok {
		return 0, &errcode.E{C: errcode.ParameterNotFound, Op: "sim.getValue", Msg: name}
	}
	return v, nil
}

var _ drivers.Driver = (*Driver)(nil)
var _ drivers.ValueReader = (*Driver)(nil)
