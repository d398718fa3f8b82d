// transport/serial.go
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"benchlab-go/errcode"
)

// SerialConfig describes a serial instrument port. Zero fields get defaults.
type SerialConfig struct {
	Path string
	Baud int // default 9600

	// CommandDelay spaces consecutive commands. Instruments like the Korad
	// KA-series drop bytes when commands arrive back to back.
	CommandDelay time.Duration // default 50ms

	// RequestTimeout bounds one full Query round trip.
	RequestTimeout time.Duration // default 1s

	// ReadTimeout is the per-read quiet window that ends a terminator-less
	// response. The tty layer rounds this up to 100ms granularity.
	ReadTimeout time.Duration // default 100ms
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.Baud <= 0 {
		c.Baud = 9600
	}
	if c.CommandDelay <= 0 {
		c.CommandDelay = 50 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	return c
}

// Serial is a Transport over a tty. One command is in flight at a time;
// commands are paced by a rate limiter so slow instrument firmware keeps up.
type Serial struct {
	cfg SerialConfig
	lim *rate.Limiter

	mu     sync.Mutex
	port   *serial.Port
	closed bool
}

// OpenSerial opens the port and returns a ready transport.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	cfg = cfg.withDefaults()
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Path,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, foldSerialErr(cfg.Path, "open", err)
	}
	return &Serial{
		cfg:  cfg,
		lim:  rate.NewLimiter(rate.Every(cfg.CommandDelay), 1),
		port: port,
	}, nil
}

func (t *Serial) Path() string { return t.cfg.Path }

func (t *Serial) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *Serial) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

// Write sends cmd without expecting a reply.
func (t *Serial) Write(ctx context.Context, cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(ctx, cmd)
}

// Query sends cmd and reads until the port goes quiet.
func (t *Serial) Query(ctx context.Context, cmd string) (string, error) {
	return t.query(ctx, cmd, 0)
}

// QueryN sends cmd and returns as soon as n response bytes have arrived,
// without waiting out the quiet window.
func (t *Serial) QueryN(ctx context.Context, cmd string, n int) (string, error) {
	return t.query(ctx, cmd, n)
}

func (t *Serial) query(ctx context.Context, cmd string, want int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Discard anything a previous timed-out query left behind.
	_ = t.port.Flush()

	if err := t.send(ctx, cmd); err != nil {
		return "", err
	}

	buf := make([]byte, 256)
	var out []byte
	deadline := time.Now().Add(t.cfg.RequestTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if want > 0 && len(out) >= want {
				return string(out), nil
			}
		}
		switch {
		case err == nil:
			// more may follow
		case errors.Is(err, io.EOF):
			// One quiet window. With data in hand the response is over;
			// with nothing yet we keep waiting until the deadline.
			if len(out) > 0 {
				return string(out), nil
			}
		default:
			return "", foldSerialErr(t.cfg.Path, "read", err)
		}
		if time.Now().After(deadline) {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", &errcode.E{C: errcode.Timeout, Op: "serial.query", Msg: "no reply from " + t.cfg.Path}
		}
	}
}

// send paces and writes one command. Caller holds t.mu.
func (t *Serial) send(ctx context.Context, cmd string) error {
	if t.closed {
		return &errcode.E{C: errcode.Error, Op: "serial.write", Msg: "port closed: " + t.cfg.Path}
	}
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.port.Write([]byte(cmd)); err != nil {
		return foldSerialErr(t.cfg.Path, "write", err)
	}
	return nil
}

// foldSerialErr attaches the marker a session needs to pick disconnect
// apart from noise. A yanked USB-serial adapter surfaces as EIO/ENXIO.
func foldSerialErr(path, op string, err error) error {
	fatal := errors.Is(err, unix.EIO) ||
		errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ENOENT) ||
		errors.Is(err, os.ErrClosed)
	marker := errcode.MarkerSerialError
	if fatal {
		marker = errcode.MarkerSerialDisconnected
	}
	return &errcode.E{
		C:   errcode.Error,
		Op:  "serial." + op,
		Msg: marker + ": " + path,
		Err: err,
	}
}
