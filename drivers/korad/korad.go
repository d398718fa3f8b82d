// Package korad drives Korad KA-series bench power supplies (and their
// Tenma/Velleman rebadges) over their terminator-less serial protocol.
//
// The protocol is request/response with no framing: commands like VSET1?
// answer with a fixed number of ASCII bytes and STATUS? with one raw
// status byte. The transport's quiet-window and length-hinted reads deal
// with that; this package only builds commands and parses bytes.
//
// Mode is not settable on these supplies: the unit is in CV until the
// current limit engages, and STATUS? bit 0 reports which side won.
package korad

import (
	"context"
	"regexp"
	"strings"

	"benchlab-go/drivers"
	"benchlab-go/drivers/scpi"
	"benchlab-go/errcode"
	"benchlab-go/transport"
	"benchlab-go/types"
)

// STATUS? bit assignments for single-channel units.
const (
	statusModeCV = 0x01 // set: CV, clear: CC
	statusOutput = 0x40
)

// Response lengths for the fixed-size queries.
const (
	lenValue  = 5 // "12.50" / "1.500"
	lenStatus = 1
)

// Model tokens look like KA3005P / KD3005D / PS3005D. The suffix whitelist
// keeps the firmware marker (V2.0) out of run-together IDN strings.
var (
	modelRe  = regexp.MustCompile(`(?i)(K[AD]\d{4}|PS\d{4})[DPSTE]*`)
	serialRe = regexp.MustCompile(`(?i)SN:?\s*([A-Za-z0-9]+)`)
)

// Driver is a drivers.Driver for one supply on one serial transport.
type Driver struct {
	t    transport.Transport
	nq   transport.NQuerier // non-nil when t supports length-hinted reads
	info types.DeviceInfo
	caps types.Capabilities
}

func New(t transport.Transport) *Driver {
	d := &Driver{t: t}
	d.nq, _ = t.(transport.NQuerier)
	return d
}

func (d *Driver) Info() types.DeviceInfo           { return d.info }
func (d *Driver) Capabilities() types.Capabilities { return d.caps }

// Probe identifies the supply via *IDN? and derives the voltage/current
// ranges from the model number (KA3005P: 30 V, 5 A).
func (d *Driver) Probe(ctx context.Context) (types.DeviceInfo, error) {
	resp, err := d.t.Query(ctx, "*IDN?")
	if err != nil {
		reason := drivers.ProbeConnectionFailed
		if errcode.Of(err) == errcode.Timeout {
			reason = drivers.ProbeTimeout
		}
		return types.DeviceInfo{}, &drivers.ProbeError{Reason: reason, Path: d.t.Path(), Err: err}
	}

	model := modelRe.FindString(resp)
	if model == "" {
		return types.DeviceInfo{}, &drivers.ProbeError{Reason: drivers.ProbeWrongDevice, Path: d.t.Path()}
	}
	model = strings.ToUpper(model)

	manufacturer := "KORAD"
	if i := strings.Index(strings.ToUpper(resp), model); i > 0 {
		if m := strings.TrimSpace(resp[:i]); m != "" {
			manufacturer = m
		}
	}
	var serial string
	if m := serialRe.FindStringSubmatch(resp); m != nil {
		serial = m[1]
	}

	maxV, maxA := ranges(model)
	d.caps = capabilities(maxV, maxA)
	d.info = types.DeviceInfo{
		ID:           drivers.MakeID(model, serial, d.t.Path()),
		Kind:         types.KindPowerSupply,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       serial,
	}
	return d.info, nil
}

// ranges decodes the model digits: two for volts, two for amps.
func ranges(model string) (maxV, maxA float64) {
	maxV, maxA = 30, 5
	digits := strings.IndexFunc(model, func(r rune) bool { return r >= '0' && r <= '9' })
	if digits < 0 || len(model) < digits+4 {
		return
	}
	var v, a int
	for _, r := range model[digits : digits+2] {
		v = v*10 + int(r-'0')
	}
	for _, r := range model[digits+2 : digits+4] {
		a = a*10 + int(r-'0')
	}
	if v > 0 {
		maxV = float64(v)
	}
	if a > 0 {
		maxA = float64(a)
	}
	return
}

func capabilities(maxV, maxA float64) types.Capabilities {
	return types.Capabilities{
		Modes:        []types.Mode{types.ModeCV, types.ModeCC},
		ModeSettable: false,
		Outputs: []types.OutputSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 2, Min: 0, Max: maxV},
			{Name: "current", Unit: types.UnitAmp, Decimals: 3, Min: 0, Max: maxA},
		},
		Measurements: []types.MeasurementSpec{
			{Name: "voltage", Unit: types.UnitVolt, Decimals: 2},
			{Name: "current", Unit: types.UnitAmp, Decimals: 3},
			{Name: "power", Unit: types.UnitWatt, Decimals: 2},
		},
	}
}

// Connect verifies the unit responds. There is no remote-mode command;
// the front panel locks out on the first serial traffic.
func (d *Driver) Connect(ctx context.Context) error {
	_, err := d.readStatus(ctx)
	return err
}

func (d *Driver) Disconnect() error { return d.t.Close() }

// GetStatus performs the poll sweep: status byte, both readbacks, both
// setpoints. Power is computed, the hardware does not report it.
func (d *Driver) GetStatus(ctx context.Context) (types.DeviceStatus, error) {
	st, err := d.readStatus(ctx)
	if err != nil {
		return types.DeviceStatus{}, err
	}
	vOut, err := d.queryValue(ctx, "VOUT1?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	iOut, err := d.queryValue(ctx, "IOUT1?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	vSet, err := d.queryValue(ctx, "VSET1?")
	if err != nil {
		return types.DeviceStatus{}, err
	}
	iSet, err := d.queryValue(ctx, "ISET1?")
	if err != nil {
		return types.DeviceStatus{}, err
	}

	mode := types.ModeCC
	if st&statusModeCV != 0 {
		mode = types.ModeCV
	}
	return types.DeviceStatus{
		Mode:          mode,
		OutputEnabled: st&statusOutput != 0,
		Setpoints:     map[string]float64{"voltage": vSet, "current": iSet},
		Measurements:  map[string]float64{"voltage": vOut, "current": iOut, "power": vOut * iOut},
	}, nil
}

// SetMode always fails: the supply decides CV/CC on its own.
func (d *Driver) SetMode(ctx context.Context, mode types.Mode) error {
	return &errcode.E{C: errcode.Unsupported, Op: "korad.setMode", Msg: "mode is inferred on this supply"}
}

func (d *Driver) SetOutput(ctx context.Context, enabled bool) error {
	cmd := "OUT0"
	if enabled {
		cmd = "OUT1"
	}
	return d.t.Write(ctx, cmd)
}

func (d *Driver) SetValue(ctx context.Context, name string, value float64) error {
	spec, ok := d.caps.Output(name)
	if !ok {
		return &errcode.E{C: errcode.ParameterNotFound, Op: "korad.setValue", Msg: name}
	}
	var cmd string
	switch name {
	case "voltage":
		cmd = "VSET1:"
	case "current":
		cmd = "ISET1:"
	}
	return d.t.Write(ctx, cmd+scpi.FormatValue(value, spec.Decimals))
}

// GetValue reads a setpoint back. Used for rollback recovery.
func (d *Driver) GetValue(ctx context.Context, name string) (float64, error) {
	switch name {
	case "voltage":
		return d.queryValue(ctx, "VSET1?")
	case "current":
		return d.queryValue(ctx, "ISET1?")
	}
	return 0, &errcode.E{C: errcode.ParameterNotFound, Op: "korad.getValue", Msg: name}
}

func (d *Driver) readStatus(ctx context.Context) (byte, error) {
	resp, err := d.query(ctx, "STATUS?", lenStatus)
	if err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, &errcode.E{C: errcode.Error, Op: "korad.status", Msg: "empty status reply"}
	}
	return resp[0], nil
}

func (d *Driver) queryValue(ctx context.Context, cmd string) (float64, error) {
	resp, err := d.query(ctx, cmd, lenValue)
	if err != nil {
		return 0, err
	}
	// Some firmware appends a stray sixth byte to ISET1?; parsing the
	// prefix keeps those units working.
	if len(resp) > lenValue {
		resp = resp[:lenValue]
	}
	v, perr := scpi.ParseFloat(resp)
	if perr != nil {
		return 0, &errcode.E{C: errcode.Error, Op: "korad.query", Msg: cmd + " -> " + strings.TrimSpace(resp), Err: perr}
	}
	return v, nil
}

func (d *Driver) query(ctx context.Context, cmd string, n int) (string, error) {
	if d.nq != nil {
		return d.nq.QueryN(ctx, cmd, n)
	}
	return d.t.Query(ctx, cmd)
}

var _ drivers.Driver = (*Driver)(nil)
var _ drivers.ValueReader = (*Driver)(nil)
