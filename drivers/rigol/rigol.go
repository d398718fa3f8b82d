// Package rigol drives Rigol DL3000-series electronic loads over SCPI,
// normally via a usbtmc transport.
//
// The load has four regulation modes (CC/CV/CR/CP), each with its own
// level register; the active mode decides which register regulates. The
// driver maps mode names onto SCPI subsystems and reads the full state in
// one GetStatus sweep. Native list mode is exposed through the ListRunner
// triad.
package rigol

import (
	"context"
	"strconv"
	"strings"

	"benchlab-go/drivers"
	"benchlab-go/drivers/scpi"
	"benchlab-go/errcode"
	"benchlab-go/transport"
	"benchlab-go/types"
)

// maxListSteps is the instrument's list memory depth.
const maxListSteps = 512

var modeToFunc = map[types.Mode]string{
	types.ModeCC: "CURR",
	types.ModeCV: "VOLT",
	types.ModeCR: "RES",
	types.ModeCP: "POW",
}

var funcToMode = map[string]types.Mode{
	"CURR": types.ModeCC, "CURRENT": types.ModeCC,
	"VOLT": types.ModeCV, "VOLTAGE": types.ModeCV,
	"RES": types.ModeCR, "RESISTANCE": types.ModeCR,
	"POW": types.ModeCP, "POWER": types.ModeCP,
}

// Output channel name -> SCPI subsystem. One settable level per mode.
var nameToFunc = map[string]string{
	"current":    "CURR",
	"voltage":    "VOLT",
	"resistance": "RES",
	"power":      "POW",
}

var modeToName = map[types.Mode]string{
	types.ModeCC: "current",
	types.ModeCV: "voltage",
	types.ModeCR: "resistance",
	types.ModeCP: "power",
}

// Driver is a drivers.Driver for one load on one transport.
type Driver struct {
	t    transport.Transport
	info types.DeviceInfo
	caps types.Capabilities
}

func New(t transport.Transport) *Driver {
	return &Driver{t: t}
}

func (d *Driver) Info() types.DeviceInfo           { return d.info }
func (d *Driver) Capabilities() types.Capabilities { return d.caps }

// Probe identifies the load via *IDN?. A usbtmc device abandoned mid-read
// by a previous process answers garbage, so the endpoint is cleared first
// when the transport supports it.
func (d *Driver) Probe(ctx context.Context) (types.DeviceInfo, error) {
	if c, ok := d.t.(transport.Clearer); ok {
		_ = c.Clear()
	}
	resp, err := d.t.Query(ctx, "*IDN?")
	if err != nil {
		reason := drivers.ProbeConnectionFailed
		if errcode.Of(err) == errcode.Timeout {
			reason = drivers.ProbeTimeout
		}
		return types.DeviceInfo{}, &drivers.ProbeError{Reason: reason, Path: d.t.Path(), Err: err}
	}

	idn, perr := scpi.ParseIDN(resp)
	if perr != nil {
		return types.DeviceInfo{}, &drivers.ProbeError{Reason: drivers.ProbeParseError, Path: d.t.Path(), Err: perr}
	}
	if !strings.Contains(strings.ToUpper(idn.Manufacturer), "RIGOL") ||
		!strings.HasPrefix(strings.ToUpper(idn.Model), "DL3") {
		return types.DeviceInfo{}, &drivers.ProbeError{Reason: drivers.ProbeWrongDevice, Path: d.t.Path()}
	}

	d.caps = capabilities(idn.Model)
	d.info = types.DeviceInfo{
		ID:           drivers.MakeID(idn.Model, idn.Serial, d.t.Path()),
		Kind:         types.KindElectronicLoad,
		Manufacturer: idn.Manufacturer,
		Model:        idn.Model,
		Serial:       idn.Serial,
	}
	return d.info, nil
}

// capabilities sizes the ranges by family: DL3021 is the 200 W / 40 A
// unit, DL3031 the 350 W / 60 A one.
func capabilities(model string) types.Capabilities {
	maxA, maxW := 40.0, 200.0
	if strings.HasPrefix(strings.ToUpper(model), "DL303") {
		maxA, maxW = 60.0, 350.0
	}
	return types.Capabilities{
		Modes:        []types.Mode{types.ModeCC, types.ModeCV, types.ModeCR, types.ModeCP},
		ModeSettable: true,
		Outputs: []types.OutputSpec{
			{Name: "current", Unit: types.UnitAmp, Decimals: 4, Min: 0, Max: maxA, Modes: []types.Mode{types.ModeCC}},
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 3, Min: 0, Max: 150, Modes: []types.Mode{types.ModeCV}},
			{Name: "resistance", Unit: types.UnitOhm, Decimals: 3, Min: 0.08, Max: 15000, Modes: []types.Mode{types.ModeCR}},
			{Name: "power", Unit: types.UnitWatt, Decimals: 3, Min: 0, Max: maxW, Modes: []types.Mode{types.ModeCP}},
		},
		Measurements: []types.MeasurementSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 3},
			{Name: "current", Unit: types.UnitAmp, Decimals: 4},
			{Name: "power", Unit: types.UnitWatt, Decimals: 3},
			{Name: "resistance", Unit: types.UnitOhm, Decimals: 3},
		},
		List: &types.ListSpec{MaxSteps: maxListSteps, Modes: []types.Mode{types.ModeCC, types.ModeCV, types.ModeCR, types.ModeCP}},
	}
}

// Connect checks the load answers a state query.
func (d *Driver) Connect(ctx context.Context) error {
	_, err := d.readMode(ctx)
	return err
}

func (d *Driver) Disconnect() error { return d.t.Close() }

// GetStatus reads mode, input state, the active mode's level, all four
// measurements, and whether list mode is engaged.
func (d *Driver) GetStatus(ctx context.Context) (types.DeviceStatus, error) {
	mode, err := d.readMode(ctx)
	if err != nil {
		return types.DeviceStatus{}, err
	}
	inpResp, err := d.t.Query(ctx, ":SOUR:INP:STAT?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	enabled, perr := scpi.ParseBool(inpResp)
	if perr != nil {
		return types.DeviceStatus{}, parseErr(":SOUR:INP:STAT?", inpResp, perr)
	}

	level, err := d.queryFloat(ctx, ":SOUR:"+modeToFunc[mode]+":LEV:IMM?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	setName := modeToName[mode]

	v, err := d.queryFloat(ctx, ":MEAS:VOLT?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	i, err := d.queryFloat(ctx, ":MEAS:CURR?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	p, err := d.queryFloat(ctx, ":MEAS:POW?")
	if err != nil {
		return types.DeviceStatus{}, err
	}

	meas := map[string]float64{"voltage": v, "current": i, "power": p}
	// Resistance reads the overflow sentinel with an open input, so it is
	// parsed leniently and omitted rather than failing the poll.
	if rResp, rerr := d.t.Query(ctx, ":MEAS:RES?"); rerr == nil {
		if r, ok := lenientFloat(rResp); ok {
			meas["resistance"] = r
		}
	} else {
		return types.DeviceStatus{}, rerr
	}

	fm, err := d.t.Query(ctx, ":SOUR:FUNC:MODE?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	listRunning := strings.EqualFold(strings.TrimSpace(fm), "LIST")

	return types.DeviceStatus{
		Mode:          mode,
		OutputEnabled: enabled,
		Setpoints:     map[string]float64{setName: level},
		Measurements:  meas,
		ListRunning:   &listRunning,
	}, nil
}

func (d *Driver) SetMode(ctx context.Context, mode types.Mode) error {
	fn, ok := modeToFunc[mode]
	if !ok || !d.caps.HasMode(mode) {
		return &errcode.E{C: errcode.BadRequest, Op: "rigol.setMode", Msg: "unknown mode " + string(mode)}
	}
	return d.t.Write(ctx, ":SOUR:FUNC "+fn)
}

func (d *Driver) SetOutput(ctx context.Context, enabled bool) error {
	return d.t.Write(ctx, ":SOUR:INP:STAT "+scpi.OnOff(enabled))
}

func (d *Driver) SetValue(ctx context.Context, name string, value float64) error {
	fn, ok := nameToFunc[name]
	if !ok {
		return &errcode.E{C: errcode.ParameterNotFound, Op: "rigol.setValue", Msg: name}
	}
	spec, _ := d.caps.Output(name)
	return d.t.Write(ctx, ":SOUR:"+fn+":LEV:IMM "+scpi.FormatValue(value, spec.Decimals))
}

// GetValue reads a level register back, active mode or not.
func (d *Driver) GetValue(ctx context.Context, name string) (float64, error) {
	fn, ok := nameToFunc[name]
	if !ok {
		return 0, &errcode.E{C: errcode.ParameterNotFound, Op: "rigol.getValue", Msg: name}
	}
	return d.queryFloat(ctx, ":SOUR:"+fn+":LEV:IMM?")
}

// ---- native list mode ----

// UploadList programs the instrument's list memory: one level and one
// dwell per step, single list pass (repeats are driven by the caller).
func (d *Driver) UploadList(ctx context.Context, mode types.Mode, steps []types.SequenceStep) error {
	fn, ok := modeToFunc[mode]
	if !ok {
		return &errcode.E{C: errcode.BadRequest, Op: "rigol.uploadList", Msg: "unknown mode " + string(mode)}
	}
	if len(steps) == 0 || len(steps) > maxListSteps {
		return &errcode.E{C: errcode.BadRequest, Op: "rigol.uploadList",
			Msg: "step count " + strconv.Itoa(len(steps)) + " outside 1.." + strconv.Itoa(maxListSteps)}
	}
	if err := d.t.Write(ctx, ":SOUR:LIST:MODE "+fn); err != nil {
		return err
	}
	if mode == types.ModeCC {
		// CC needs a range selection; pick the smallest that fits.
		rng := "4"
		for _, s := range steps {
			if s.Value > 4 {
				rng = "40"
				break
			}
		}
		if err := d.t.Write(ctx, ":SOUR:LIST:RANG "+rng); err != nil {
			return err
		}
	}
	if err := d.t.Write(ctx, ":SOUR:LIST:COUN 1"); err != nil {
		return err
	}
	if err := d.t.Write(ctx, ":SOUR:LIST:STEP "+strconv.Itoa(len(steps))); err != nil {
		return err
	}
	spec, _ := d.caps.Output(modeToName[mode])
	for i, s := range steps {
		idx := strconv.Itoa(i)
		if err := d.t.Write(ctx, ":SOUR:LIST:LEV "+idx+","+scpi.FormatValue(s.Value, spec.Decimals)); err != nil {
			return err
		}
		width := scpi.FormatValue(float64(s.DwellMs)/1000.0, 3)
		if err := d.t.Write(ctx, ":SOUR:LIST:WID "+idx+","+width); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) StartList(ctx context.Context) error {
	if err := d.t.Write(ctx, ":SOUR:FUNC:MODE LIST"); err != nil {
		return err
	}
	return d.SetOutput(ctx, true)
}

func (d *Driver) StopList(ctx context.Context) error {
	return d.t.Write(ctx, ":SOUR:FUNC:MODE FIX")
}

// ---- helpers ----

func (d *Driver) readMode(ctx context.Context) (types.Mode, error) {
	resp, err := d.t.Query(ctx, ":SOUR:FUNC?")
	if err != nil {
		return "", err
	}
	mode, ok := funcToMode[strings.ToUpper(strings.TrimSpace(resp))]
	if !ok {
		return "", parseErr(":SOUR:FUNC?", resp, scpi.ErrInvalid)
	}
	return mode, nil
}

func (d *Driver) queryFloat(ctx context.Context, cmd string) (float64, error) {
	resp, err := d.t.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, perr := scpi.ParseFloat(resp)
	if perr != nil {
		return 0, parseErr(cmd, resp, perr)
	}
	return v, nil
}

// lenientFloat parses, treating overflow and garbage as "no reading".
func lenientFloat(s string) (float64, bool) {
	v, err := scpi.ParseFloat(s)
	return v, err == nil
}

func parseErr(cmd, resp string, cause error) error {
	return &errcode.E{C: errcode.Error, Op: "rigol.query", Msg: cmd + " -> " + strings.TrimSpace(resp), Err: cause}
}

var _ drivers.Driver = (*Driver)(nil)
var _ drivers.ValueReader = (*Driver)(nil)
var _ drivers.ListRunner = (*Driver)(nil)
