package errcode

import (
	"errors"
	"strings"
)

// Code is a stable, wire-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes. The spellings are part of the client API.
const (
	OK Code = "OK"

	SessionNotFound   Code = "SESSION_NOT_FOUND"
	DeviceNotFound    Code = "DEVICE_NOT_FOUND"
	ParameterNotFound Code = "PARAMETER_NOT_FOUND"
	UnitMismatch      Code = "UNIT_MISMATCH"
	SequenceNotFound  Code = "SEQUENCE_NOT_FOUND"
	ScriptNotFound    Code = "SCRIPT_NOT_FOUND"
	LibraryFull       Code = "LIBRARY_FULL"
	BadWaveform       Code = "BAD_WAVEFORM"
	SetValueFailed    Code = "SET_VALUE_FAILED"

	BadRequest  Code = "BAD_REQUEST"
	Unsupported Code = "UNSUPPORTED"
	Timeout     Code = "TIMEOUT"

	Error Code = "ERROR" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from anywhere in err's chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	return Error
}

// Fatal transport markers: error text known to mean the device is gone,
// not merely misbehaving. A poll error carrying one of these transitions
// the session straight to disconnected.
const (
	MarkerUSBNoDevice        = "LIBUSB_ERROR_NO_DEVICE"
	MarkerUSBIO              = "LIBUSB_ERROR_IO"
	MarkerUSBPipe            = "LIBUSB_ERROR_PIPE"
	MarkerSerialDisconnected = "SERIAL_PORT_DISCONNECTED"
	MarkerSerialError        = "SERIAL_PORT_ERROR"
)

var fatalMarkers = []string{
	MarkerUSBNoDevice,
	MarkerUSBIO,
	MarkerUSBPipe,
	MarkerSerialDisconnected,
	MarkerSerialError,
}

// IsFatal reports whether err carries a fatal transport marker.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, m := range fatalMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
