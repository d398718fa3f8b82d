package rigol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"benchlab-go/drivers"
	"benchlab-go/errcode"
	"benchlab-go/types"
)

type fakeTransport struct {
	replies map[string]string
	errs    map[string]error
	writes  []string
	cleared int
}

func newFake() *fakeTransport {
	return &fakeTransport{replies: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeTransport) Query(ctx context.Context, cmd string) (string, error) {
	if err := f.errs[cmd]; err != nil {
		return "", err
	}
	return f.replies[cmd], nil
}

func (f *fakeTransport) Write(ctx context.Context, cmd string) error {
	f.writes = append(f.writes, cmd)
	return nil
}

func (f *fakeTransport) Clear() error { f.cleared++; return nil }
func (f *fakeTransport) IsOpen() bool { return true }
func (f *fakeTransport) Close() error { return nil }
func (f *fakeTransport) Path() string { return "/dev/usbtmc0" }

const idnDL3021 = "RIGOL TECHNOLOGIES,DL3021,DL3A204800938,00.01.05.00.01"

func TestProbe(t *testing.T) {
	ft := newFake()
	ft.replies["*IDN?"] = idnDL3021
	d := New(ft)

	info, err := d.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ft.cleared, "probe should clear the endpoint first")
	require.Equal(t, types.KindElectronicLoad, info.Kind)
	require.Equal(t, "DL3021", info.Model)
	require.Equal(t, "dl3021-dl3a204800938", info.ID)

	caps := d.Capabilities()
	require.True(t, caps.ModeSettable)
	require.NotNil(t, caps.List)
	require.Equal(t, 512, caps.List.MaxSteps)
	cur, ok := caps.Output("current")
	require.True(t, ok)
	require.Equal(t, 40.0, cur.Max)
}

func TestProbeBiggerFamily(t *testing.T) {
	ft := newFake()
	ft.replies["*IDN?"] = "RIGOL TECHNOLOGIES,DL3031A,DL3B000000001,00.01.05.00.01"
	d := New(ft)

	_, err := d.Probe(context.Background())
	require.NoError(t, err)
	cur, _ := d.Capabilities().Output("current")
	require.Equal(t, 60.0, cur.Max)
	pow, _ := d.Capabilities().Output("power")
	require.Equal(t, 350.0, pow.Max)
}

func TestProbeWrongDevice(t *testing.T) {
	ft := newFake()
	ft.replies["*IDN?"] = "KEYSIGHT,EL34143A,MY12345678,A.01.02"
	d := New(ft)

	_, err := d.Probe(context.Background())
	pe, ok := drivers.AsProbeError(err)
	require.True(t, ok)
	require.Equal(t, drivers.ProbeWrongDevice, pe.Reason)
}

func TestProbeParseError(t *testing.T) {
	ft := newFake()
	ft.replies["*IDN?"] = "KORAD KA3005P V5.8"
	d := New(ft)

	_, err := d.Probe(context.Background())
	pe, ok := drivers.AsProbeError(err)
	require.True(t, ok)
	require.Equal(t, drivers.ProbeParseError, pe.Reason)
}

func probedDriver(t *testing.T, ft *fakeTransport) *Driver {
	t.Helper()
	ft.replies["*IDN?"] = idnDL3021
	d := New(ft)
	_, err := d.Probe(context.Background())
	require.NoError(t, err)
	ft.writes = nil
	return d
}

func TestGetStatus(t *testing.T) {
	ft := newFake()
	ft.replies[":SOUR:FUNC?"] = "CURR"
	ft.replies[":SOUR:INP:STAT?"] = "1"
	ft.replies[":SOUR:CURR:LEV:IMM?"] = "1.5000"
	ft.replies[":MEAS:VOLT?"] = "11.987"
	ft.replies[":MEAS:CURR?"] = "1.4992"
	ft.replies[":MEAS:POW?"] = "17.97"
	ft.replies[":MEAS:RES?"] = "7.995"
	ft.replies[":SOUR:FUNC:MODE?"] = "FIX"
	d := probedDriver(t, ft)

	st, err := d.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ModeCC, st.Mode)
	require.True(t, st.OutputEnabled)
	require.Equal(t, map[string]float64{"current": 1.5}, st.Setpoints)
	require.Equal(t, 7.995, st.Measurements["resistance"])
	require.NotNil(t, st.ListRunning)
	require.False(t, *st.ListRunning)
}

func TestGetStatusResistanceOverflowOmitted(t *testing.T) {
	ft := newFake()
	ft.replies[":SOUR:FUNC?"] = "VOLT"
	ft.replies[":SOUR:INP:STAT?"] = "0"
	ft.replies[":SOUR:VOLT:LEV:IMM?"] = "5.000"
	ft.replies[":MEAS:VOLT?"] = "0.002"
	ft.replies[":MEAS:CURR?"] = "0.0000"
	ft.replies[":MEAS:POW?"] = "0.000"
	ft.replies[":MEAS:RES?"] = "9.9E37" // open input
	ft.replies[":SOUR:FUNC:MODE?"] = "FIX"
	d := probedDriver(t, ft)

	st, err := d.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.ModeCV, st.Mode)
	_, present := st.Measurements["resistance"]
	require.False(t, present)
	require.Equal(t, map[string]float64{"voltage": 5.0}, st.Setpoints)
}

func TestSetModeAndOutput(t *testing.T) {
	ft := newFake()
	d := probedDriver(t, ft)

	require.NoError(t, d.SetMode(context.Background(), types.ModeCR))
	require.NoError(t, d.SetOutput(context.Background(), true))
	require.NoError(t, d.SetOutput(context.Background(), false))
	require.Equal(t, []string{":SOUR:FUNC RES", ":SOUR:INP:STAT ON", ":SOUR:INP:STAT OFF"}, ft.writes)

	err := d.SetMode(context.Background(), types.Mode("XX"))
	require.Equal(t, errcode.BadRequest, errcode.Of(err))
}

func TestSetAndGetValue(t *testing.T) {
	ft := newFake()
	ft.replies[":SOUR:POW:LEV:IMM?"] = "25.000"
	d := probedDriver(t, ft)

	require.NoError(t, d.SetValue(context.Background(), "resistance", 10))
	require.Equal(t, []string{":SOUR:RES:LEV:IMM 10.000"}, ft.writes)

	v, err := d.GetValue(context.Background(), "power")
	require.NoError(t, err)
	require.Equal(t, 25.0, v)

	_, err = d.GetValue(context.Background(), "frequency")
	require.Equal(t, errcode.ParameterNotFound, errcode.Of(err))
}

func TestUploadList(t *testing.T) {
	ft := newFake()
	d := probedDriver(t, ft)

	steps := []types.SequenceStep{
		{Value: 0.5, DwellMs: 100},
		{Value: 6.0, DwellMs: 250},
	}
	require.NoError(t, d.UploadList(context.Background(), types.ModeCC, steps))
	require.Equal(t, []string{
		":SOUR:LIST:MODE CURR",
		":SOUR:LIST:RANG 40", // 6 A needs the high range
		":SOUR:LIST:COUN 1",
		":SOUR:LIST:STEP 2",
		":SOUR:LIST:LEV 0,0.5000",
		":SOUR:LIST:WID 0,0.100",
		":SOUR:LIST:LEV 1,6.0000",
		":SOUR:LIST:WID 1,0.250",
	}, ft.writes)
}

func TestUploadListTooManySteps(t *testing.T) {
	ft := newFake()
	d := probedDriver(t, ft)

	steps := make([]types.SequenceStep, maxListSteps+1)
	err := d.UploadList(context.Background(), types.ModeCC, steps)
	require.Equal(t, errcode.BadRequest, errcode.Of(err))
}

func TestStartStopList(t *testing.T) {
	ft := newFake()
	d := probedDriver(t, ft)

	require.NoError(t, d.StartList(context.Background()))
	require.NoError(t, d.StopList(context.Background()))
	require.Equal(t, []string{":SOUR:FUNC:MODE LIST", ":SOUR:INP:STAT ON", ":SOUR:FUNC:MODE FIX"}, ft.writes)
}
