// Package drivers defines the contract between device sessions and the
// per-model instrument drivers, plus the drivers themselves in
// subpackages (korad, rigol, sim).
//
// A driver owns one transport and translates semantic operations
// (SetMode, GetStatus, ...) into the instrument's protocol. Every call
// that touches hardware takes a context and may block for tens of
// milliseconds to seconds; callers serialize access per device.
package drivers

import (
	"context"
	"errors"

	"benchlab-go/types"
)

// Driver is what a DeviceSession calls.
type Driver interface {
	// Probe identifies the instrument. It must be called before any
	// other operation and is the only call allowed to return ProbeError.
	Probe(ctx context.Context) (types.DeviceInfo, error)

	// Info returns the identity established by Probe.
	Info() types.DeviceInfo

	// Capabilities is immutable and valid after Probe.
	Capabilities() types.Capabilities

	// Connect prepares the instrument for polling (remote mode etc).
	Connect(ctx context.Context) error

	// Disconnect releases the transport. Safe to call more than once.
	Disconnect() error

	// GetStatus reads mode, output state, setpoints and measurements in
	// one sweep. This is the poll workhorse.
	GetStatus(ctx context.Context) (types.DeviceStatus, error)

	SetMode(ctx context.Context, mode types.Mode) error
	SetOutput(ctx context.Context, enabled bool) error
	SetValue(ctx context.Context, name string, value float64) error
}

// ValueReader is implemented by drivers that can read a single setpoint
// back from the instrument. Sessions use it to recover the true value
// after a failed write.
type ValueReader interface {
	GetValue(ctx context.Context, name string) (float64, error)
}

// ListRunner is implemented by drivers whose instrument can play a value
// list natively, without per-step host round trips.
type ListRunner interface {
	UploadList(ctx context.Context, mode types.Mode, steps []types.SequenceStep) error
	StartList(ctx context.Context) error
	StopList(ctx context.Context) error
}

// ---- Probe failures ----

type ProbeReason string

const (
	ProbeTimeout          ProbeReason = "timeout"
	ProbeWrongDevice      ProbeReason = "wrong_device"
	ProbeParseError       ProbeReason = "parse_error"
	ProbeConnectionFailed ProbeReason = "connection_failed"
)

// ProbeError reports why an instrument at Path could not be identified.
type ProbeError struct {
	Reason ProbeReason
	Path   string
	Err    error
}

func (e *ProbeError) Error() string {
	s := "probe " + e.Path + ": " + string(e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProbeError) Unwrap() error { return e.Err }

// AsProbeError extracts a ProbeError from err's chain, if present.
func AsProbeError(err error) (*ProbeError, bool) {
	var pe *ProbeError
	ok := errors.As(err, &pe)
	return pe, ok
}
