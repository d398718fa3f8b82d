// services/scan/scanner_test.go
package scan

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"benchlab-go/bus"
	"benchlab-go/drivers"
	"benchlab-go/services/session"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
)

func quietLog() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

// sessionManager builds a manager whose sessions stay dormant (fake
// clock, so no poll ever fires under test).
func sessionManager(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager(session.Deps{
		Bus:   bus.NewBus(64),
		Clock: clockx.NewFake(),
		Log:   quietLog(),
	})
	t.Cleanup(m.StopAll)
	return m
}

// stubDriver satisfies drivers.Driver for registry tests.
type stubDriver struct {
	info        types.DeviceInfo
	probeErr    error
	disconnects int
}

func (d *stubDriver) Probe(ctx context.Context) (types.DeviceInfo, error) {
	if d.probeErr != nil {
		return types.DeviceInfo{}, d.probeErr
	}
	return d.info, nil
}
func (d *stubDriver) Info() types.DeviceInfo { return d.info }
func (d *stubDriver) Capabilities() types.Capabilities {
	return types.Capabilities{
		Modes:   []types.Mode{types.ModeCV},
		Outputs: []types.OutputSpec{{Name: "voltage", Unit: types.UnitVolt, Max: 30}},
		Measurements: []types.MeasurementSpec{
			{Name: "voltage", Unit: types.UnitVolt},
		},
	}
}
func (d *stubDriver) Connect(ctx context.Context) error { return nil }
func (d *stubDriver) Disconnect() error {
	d.disconnects++
	return nil
}
func (d *stubDriver) GetStatus(ctx context.Context) (types.DeviceStatus, error) {
	return types.DeviceStatus{Mode: types.ModeCV}, nil
}
func (d *stubDriver) SetMode(ctx context.Context, mode types.Mode) error { return nil }
func (d *stubDriver) SetOutput(ctx context.Context, enabled bool) error  { return nil }
func (d *stubDriver) SetValue(ctx context.Context, name string, value float64) error {
	return nil
}

func TestSimScanAdoptsSupplyAndLoad(t *testing.T) {
	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{Sim: true, IntervalMs: -1},
	})

	require.Equal(t, 2, sc.ScanOnce(context.Background()))
	require.True(t, mgr.Has("sim-psu-sim0001"))
	require.True(t, mgr.Has("sim-load-sim0002"))
	require.Equal(t, 2, mgr.Count())
}

func TestSimRescanLeavesConnectedSessionsAlone(t *testing.T) {
	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{Sim: true, IntervalMs: -1},
	})
	ctx := context.Background()

	require.Equal(t, 2, sc.ScanOnce(ctx))
	before, ok := mgr.Session("sim-psu-sim0001")
	require.True(t, ok)

	require.Zero(t, sc.ScanOnce(ctx), "connected sim devices must not be re-adopted")
	after, _ := mgr.Session("sim-psu-sim0001")
	require.Same(t, before, after)
}

func TestScanMatchesProbesAndAdopts(t *testing.T) {
	dev := t.TempDir()
	for _, name := range []string{"instr0", "other0"} {
		require.NoError(t, os.WriteFile(filepath.Join(dev, name), nil, 0o644))
	}

	var paths []string
	reg := NewRegistry()
	reg.Register("stub", Match{PathPattern: regexp.MustCompile(`instr[0-9]+$`)},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			paths = append(paths, path)
			return &stubDriver{info: types.DeviceInfo{ID: "fake-1", Kind: types.KindPowerSupply, Model: "FAKE100"}}, nil
		})

	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Registry: reg,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{IntervalMs: -1},
		Globs:    []string{filepath.Join(dev, "instr*"), filepath.Join(dev, "other*")},
		SysRoot:  t.TempDir(),
	})

	require.Equal(t, 1, sc.ScanOnce(context.Background()))
	require.Equal(t, []string{filepath.Join(dev, "instr0")}, paths,
		"only claimed nodes get a factory call")
	require.True(t, mgr.Has("fake-1"))
}

func TestRescanSkipsPathsWithLiveSessions(t *testing.T) {
	dev := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dev, "instr0"), nil, 0o644))

	calls := 0
	reg := NewRegistry()
	reg.Register("stub", Match{PathPattern: regexp.MustCompile(`instr[0-9]+$`)},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			calls++
			return &stubDriver{info: types.DeviceInfo{ID: "fake-1", Kind: types.KindPowerSupply}}, nil
		})

	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Registry: reg,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{IntervalMs: -1},
		Globs:    []string{filepath.Join(dev, "instr*")},
		SysRoot:  t.TempDir(),
	})
	ctx := context.Background()

	require.Equal(t, 1, sc.ScanOnce(ctx))
	require.Zero(t, sc.ScanOnce(ctx))
	require.Equal(t, 1, calls, "a live session's port must not be reopened")
}

func TestProbeFailureClosesDriverAndSkipsNode(t *testing.T) {
	dev := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dev, "instr0"), nil, 0o644))

	drv := &stubDriver{probeErr: &drivers.ProbeError{Reason: drivers.ProbeWrongDevice, Path: "instr0"}}
	reg := NewRegistry()
	reg.Register("stub", Match{PathPattern: regexp.MustCompile(`instr[0-9]+$`)},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			return drv, nil
		})

	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Registry: reg,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{IntervalMs: -1},
		Globs:    []string{filepath.Join(dev, "instr*")},
		SysRoot:  t.TempDir(),
	})

	require.Zero(t, sc.ScanOnce(context.Background()))
	require.Zero(t, mgr.Count())
	require.Equal(t, 1, drv.disconnects, "failed probe must release the transport")
}

func TestFactoryErrorSkipsNode(t *testing.T) {
	dev := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dev, "instr0"), nil, 0o644))

	reg := NewRegistry()
	reg.Register("stub", Match{PathPattern: regexp.MustCompile(`instr[0-9]+$`)},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			return nil, os.ErrPermission
		})

	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Registry: reg,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{IntervalMs: -1},
		Globs:    []string{filepath.Join(dev, "instr*")},
		SysRoot:  t.TempDir(),
	})

	require.Zero(t, sc.ScanOnce(context.Background()))
	require.Zero(t, mgr.Count())
}

func TestMatchClaims(t *testing.T) {
	byVendor := Match{VendorID: "1ab1"}
	require.True(t, byVendor.claims(node{vendor: "1ab1", product: "0e11"}))
	require.False(t, byVendor.claims(node{vendor: "0416"}))

	exact := Match{VendorID: "0416", ProductID: "5011"}
	require.True(t, exact.claims(node{vendor: "0416", product: "5011"}))
	require.False(t, exact.claims(node{vendor: "0416", product: "ffff"}))

	byPath := Match{PathPattern: regexp.MustCompile(`^/dev/ttyUSB[0-9]+$`)}
	require.True(t, byPath.claims(node{path: "/dev/ttyUSB0"}))
	require.False(t, byPath.claims(node{path: "/dev/ttyS0"}))

	either := Match{VendorID: "1ab1", PathPattern: regexp.MustCompile(`usbtmc`)}
	require.True(t, either.claims(node{path: "/dev/usbtmc0"}), "path match works without USB identity")
	require.True(t, either.claims(node{path: "/dev/ttyUSB1", vendor: "1ab1"}))
}

func TestUSBIdentityWalksSysfs(t *testing.T) {
	sys := t.TempDir()

	// Mimic the real layout: the class entry's device link points at the
	// USB interface; idVendor/idProduct live on an ancestor.
	hw := filepath.Join(sys, "devices", "usb1", "1-1")
	iface := filepath.Join(hw, "1-1:1.0")
	require.NoError(t, os.MkdirAll(iface, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hw, "idVendor"), []byte("1AB1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hw, "idProduct"), []byte("0E11\n"), 0o644))

	class := filepath.Join(sys, "class", "usbmisc", "usbtmc0")
	require.NoError(t, os.MkdirAll(class, 0o755))
	require.NoError(t, os.Symlink(iface, filepath.Join(class, "device")))

	vendor, product, ok := usbIdentity(sys, "/dev/usbtmc0")
	require.True(t, ok)
	require.Equal(t, "1ab1", vendor)
	require.Equal(t, "0e11", product)

	_, _, ok = usbIdentity(sys, "/dev/ttyS0")
	require.False(t, ok, "nodes without a USB ancestor have no identity")
}

func TestRunExitsWhenContextEnds(t *testing.T) {
	mgr := sessionManager(t)
	sc := New(Deps{
		Sessions: mgr,
		Clock:    clockx.NewFake(),
		Log:      quietLog(),
		Cfg:      types.ScanConfig{Sim: true, IntervalMs: -1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()

	require.Eventually(t, func() bool { return mgr.Count() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
