package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"benchlab-go/errcode"
	"benchlab-go/types"
)

func candidate(id string, fd *fakeDriver) Candidate {
	info := fd.Info()
	info.ID = id
	return Candidate{Info: info, Capabilities: fd.Capabilities(), Driver: fd}
}

func TestSyncDevicesCreatesThenReconnects(t *testing.T) {
	m := NewManager(testDeps())
	defer m.StopAll()

	fdA := newFakeDriver(supplyStatus())
	fdB := newFakeDriver(supplyStatus())
	m.SyncDevices([]Candidate{candidate("psu-1", fdA), candidate("load-1", fdB)})

	require.Equal(t, 2, m.Count())
	require.True(t, m.Has("psu-1"))
	require.True(t, m.Has("load-1"))

	// Same id again: the existing session adopts the new driver.
	fdA2 := newFakeDriver(supplyStatus())
	m.SyncDevices([]Candidate{candidate("psu-1", fdA2)})

	require.Equal(t, 2, m.Count())
	require.Eventually(t, func() bool {
		return fdA2.countStatus() >= 1
	}, 2*time.Second, time.Millisecond)

	fdA.mu.Lock()
	closed := fdA.closed
	fdA.mu.Unlock()
	require.True(t, closed, "replaced driver must be closed")
}

func TestSessionsAreNeverRemoved(t *testing.T) {
	m := NewManager(testDeps())
	defer m.StopAll()

	fd := newFakeDriver(supplyStatus())
	fd.statusErr = errors.New("SERIAL_PORT_DISCONNECTED: gone")
	m.SyncDevices([]Candidate{candidate("psu-1", fd)})

	require.Eventually(t, func() bool {
		return m.IsDisconnected("psu-1")
	}, 2*time.Second, time.Millisecond)

	// An empty scan leaves the parked session in place.
	m.SyncDevices(nil)
	require.Equal(t, 1, m.Count())
	require.True(t, m.IsDisconnected("psu-1"))
}

func TestFacadesFailWithSessionNotFound(t *testing.T) {
	m := NewManager(testDeps())
	ctx := context.Background()

	require.Equal(t, errcode.SessionNotFound, errcode.Of(m.SetMode(ctx, "nope", types.ModeCC)))
	require.Equal(t, errcode.SessionNotFound, errcode.Of(m.SetOutput(ctx, "nope", true)))
	require.Equal(t, errcode.SessionNotFound, errcode.Of(m.SetValue(ctx, "nope", "voltage", 1, true)))
	require.Equal(t, errcode.SessionNotFound, errcode.Of(m.StopList(ctx, "nope")))

	_, err := m.State("nope")
	require.Equal(t, errcode.SessionNotFound, errcode.Of(err))
	_, err = m.History("nope")
	require.Equal(t, errcode.SessionNotFound, errcode.Of(err))
	require.Equal(t, errcode.SessionNotFound, errcode.Of(m.Subscribe("nope", "c1", func(types.Broadcast) {})))

	_, ok := m.Measurement("nope", "voltage")
	require.False(t, ok)
}

func TestSummariesSortedByID(t *testing.T) {
	m := NewManager(testDeps())
	defer m.StopAll()

	m.SyncDevices([]Candidate{
		candidate("zeta", newFakeDriver(supplyStatus())),
		candidate("alpha", newFakeDriver(supplyStatus())),
		candidate("mid", newFakeDriver(supplyStatus())),
	})

	sums := m.Summaries()
	require.Len(t, sums, 3)
	require.Equal(t, "alpha", sums[0].ID)
	require.Equal(t, "mid", sums[1].ID)
	require.Equal(t, "zeta", sums[2].ID)
	for _, d := range sums {
		require.Equal(t, types.StatusConnected, d.ConnectionStatus)
	}
}

func TestUnsubscribeAllStopsDeliveries(t *testing.T) {
	m := NewManager(testDeps())
	defer m.StopAll()

	m.SyncDevices([]Candidate{
		candidate("psu-1", newFakeDriver(supplyStatus())),
		candidate("psu-2", newFakeDriver(supplyStatus())),
	})

	rec := &recorder{}
	require.NoError(t, m.Subscribe("psu-1", "c1", rec.cb))
	require.NoError(t, m.Subscribe("psu-2", "c1", rec.cb))

	require.Eventually(t, func() bool {
		return len(rec.measurements()) >= 2
	}, 2*time.Second, time.Millisecond)

	m.UnsubscribeAll("c1")
	n := len(rec.measurements())
	time.Sleep(40 * time.Millisecond)
	require.LessOrEqual(t, len(rec.measurements()), n+2) // at most in-flight deliveries

	m.Unsubscribe("psu-1", "c1") // unknown client is a no-op
}

func TestActionFacadesForward(t *testing.T) {
	m := NewManager(testDeps())
	defer m.StopAll()

	fd := newFakeDriver(supplyStatus())
	m.SyncDevices([]Candidate{candidate("psu-1", fd)})

	ctx := context.Background()
	require.NoError(t, m.SetOutput(ctx, "psu-1", true))
	require.NoError(t, m.SetValue(ctx, "psu-1", "voltage", 9.5, true))

	fd.mu.Lock()
	outs := append([]bool(nil), fd.outCalls...)
	fd.mu.Unlock()
	require.Equal(t, []bool{true}, outs)

	calls := fd.setValues()
	require.Len(t, calls, 1)
	require.Equal(t, 9.5, calls[0].value)

	st, err := m.State("psu-1")
	require.NoError(t, err)
	require.Equal(t, "psu-1", st.Info.ID)
	require.True(t, st.Status.OutputEnabled)
}
