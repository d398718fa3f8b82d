// Package transport moves SCPI-style command strings between drivers and
// bench instruments. Two implementations exist: Serial for UART-style
// instruments behind a tty (tarm/serial), and USBTMC for the /dev/usbtmc*
// character devices exposed by the Linux usbtmc kernel driver.
//
// Transports fold low-level I/O failures into errors carrying the fatal
// markers from package errcode, so sessions can tell "device unplugged"
// apart from "device slow".
package transport

import "context"

// Transport is a synchronous command channel to one instrument. A transport
// is opened by its constructor and is single-writer: implementations
// serialize concurrent calls internally.
type Transport interface {
	// Write sends a command that produces no response.
	Write(ctx context.Context, cmd string) error
	// Query sends a command and returns the instrument's reply.
	Query(ctx context.Context, cmd string) (string, error)
	// IsOpen reports whether the transport can still be used.
	IsOpen() bool
	// Close releases the underlying port. Safe to call more than once.
	Close() error
	// Path returns the device path this transport is bound to.
	Path() string
}

// NQuerier is implemented by transports that can finish a read early once a
// known response length has arrived, instead of waiting out a quiet window.
// Useful for terminator-less protocols with fixed-size replies.
type NQuerier interface {
	QueryN(ctx context.Context, cmd string, n int) (string, error)
}

// Clearer is implemented by transports that can abort an in-progress
// transfer and flush device buffers, typically before a probe.
type Clearer interface {
	Clear() error
}
