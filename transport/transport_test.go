// transport/transport_test.go
package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"benchlab-go/errcode"
)

func TestFoldSerialErr_Disconnect(t *testing.T) {
	for _, errno := range []error{unix.EIO, unix.ENXIO, unix.ENODEV} {
		err := foldSerialErr("/dev/ttyUSB0", "read", fmt.Errorf("read: %w", errno))
		require.True(t, errcode.IsFatal(err), "errno %v should be fatal", errno)
		require.Contains(t, err.Error(), errcode.MarkerSerialDisconnected)
		require.Contains(t, err.Error(), "/dev/ttyUSB0")
	}
}

func TestFoldSerialErr_OtherFailures(t *testing.T) {
	err := foldSerialErr("/dev/ttyACM1", "write", errors.New("framing error"))
	require.Contains(t, err.Error(), errcode.MarkerSerialError)
	require.True(t, errcode.IsFatal(err))
}

func TestFoldUSBErr_Markers(t *testing.T) {
	cases := []struct {
		errno  error
		marker string
	}{
		{unix.ENODEV, errcode.MarkerUSBNoDevice},
		{unix.ENOENT, errcode.MarkerUSBNoDevice},
		{unix.EPIPE, errcode.MarkerUSBPipe},
		{unix.EIO, errcode.MarkerUSBIO},
	}
	for _, c := range cases {
		err := foldUSBErr("/dev/usbtmc0", "read", c.errno)
		require.Contains(t, err.Error(), c.marker)
		require.True(t, errcode.IsFatal(err), "errno %v should be fatal", c.errno)
	}
}

func TestFoldUSBErr_TimeoutNotFatal(t *testing.T) {
	err := foldUSBErr("/dev/usbtmc0", "read", unix.ETIMEDOUT)
	require.Equal(t, errcode.Timeout, errcode.Of(err))
	require.False(t, errcode.IsFatal(err))
}

func TestFoldUSBErr_UnknownErrno(t *testing.T) {
	err := foldUSBErr("/dev/usbtmc0", "write", unix.EOVERFLOW)
	require.False(t, errcode.IsFatal(err))
	require.Contains(t, err.Error(), "i/o error")
}

func TestSerialConfigDefaults(t *testing.T) {
	got := SerialConfig{Path: "/dev/ttyUSB0"}.withDefaults()
	require.Equal(t, 9600, got.Baud)
	require.Equal(t, 50*time.Millisecond, got.CommandDelay)
	require.Equal(t, time.Second, got.RequestTimeout)
	require.Equal(t, 100*time.Millisecond, got.ReadTimeout)

	keep := SerialConfig{Path: "p", Baud: 115200, CommandDelay: time.Millisecond}.withDefaults()
	require.Equal(t, 115200, keep.Baud)
	require.Equal(t, time.Millisecond, keep.CommandDelay)
}
