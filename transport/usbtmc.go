// transport/usbtmc.go
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"benchlab-go/errcode"
)

// USBTMC_IOCTL_CLEAR from linux/usb/tmc.h: _IO(91, 2).
const ioctlClear = 0x5b02

// readSlice keeps poll waits short so context cancellation is honoured.
const readSlice = 100 * time.Millisecond

// USBTMC is a Transport over a /dev/usbtmc* character device. The kernel
// usbtmc driver does the IEEE-488.2 framing; writes send one message,
// reads return one response.
type USBTMC struct {
	path string
	rto  time.Duration

	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenUSBTMC opens the character device non-blocking so reads can be
// bounded by poll.
func OpenUSBTMC(path string, requestTimeout time.Duration) (*USBTMC, error) {
	if requestTimeout <= 0 {
		requestTimeout = time.Second
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, foldUSBErr(path, "open", err)
	}
	return &USBTMC{path: path, rto: requestTimeout, fd: fd}, nil
}

func (t *USBTMC) Path() string { return t.path }

func (t *USBTMC) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *USBTMC) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}

// Clear aborts any in-progress transfer and flushes the device's buffers.
func (t *USBTMC) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &errcode.E{C: errcode.Error, Op: "usbtmc.clear", Msg: "device closed: " + t.path}
	}
	if _, err := unix.IoctlRetInt(t.fd, ioctlClear); err != nil {
		return foldUSBErr(t.path, "clear", err)
	}
	return nil
}

// Write sends cmd, newline-terminated, without expecting a reply.
func (t *USBTMC) Write(ctx context.Context, cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(ctx, cmd)
}

// Query sends cmd and returns the response with trailing terminators
// stripped.
func (t *USBTMC) Query(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.send(ctx, cmd); err != nil {
		return "", err
	}
	out, err := t.recv(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

// send writes the full command. Caller holds t.mu.
func (t *USBTMC) send(ctx context.Context, cmd string) error {
	if t.closed {
		return &errcode.E{C: errcode.Error, Op: "usbtmc.write", Msg: "device closed: " + t.path}
	}
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	data := []byte(cmd)
	deadline := time.Now().Add(t.rto)
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Write(t.fd, data)
		if n > 0 {
			data = data[n:]
			continue
		}
		switch err {
		case unix.EAGAIN:
			if perr := t.wait(unix.POLLOUT, deadline); perr != nil {
				return perr
			}
		case unix.EINTR:
		default:
			return foldUSBErr(t.path, "write", err)
		}
	}
	return nil
}

// recv reads one response. The kernel driver returns the whole message in
// one read unless it exceeds the buffer, so a short read means done.
func (t *USBTMC) recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 4096)
	var out []byte
	deadline := time.Now().Add(t.rto)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := unix.Read(t.fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if n < len(buf) || buf[n-1] == '\n' {
				return out, nil
			}
			continue
		}
		switch err {
		case unix.EAGAIN:
			if perr := t.wait(unix.POLLIN, deadline); perr != nil {
				if len(out) > 0 {
					return out, nil
				}
				return nil, perr
			}
		case unix.EINTR:
		case nil:
			// zero-byte read: message complete
			if len(out) > 0 {
				return out, nil
			}
			if perr := t.wait(unix.POLLIN, deadline); perr != nil {
				return nil, perr
			}
		default:
			return nil, foldUSBErr(t.path, "read", err)
		}
	}
}

// wait polls for events in short slices until the deadline passes.
func (t *USBTMC) wait(events int16, deadline time.Time) error {
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return &errcode.E{C: errcode.Timeout, Op: "usbtmc.wait", Msg: "no reply from " + t.path}
		}
		if remain > readSlice {
			remain = readSlice
		}
		fds := []unix.PollFd{{Fd: int32(t.fd), Events: events}}
		n, err := unix.Poll(fds, int(remain.Milliseconds()))
		if err != nil && err != unix.EINTR {
			return foldUSBErr(t.path, "poll", err)
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				return foldUSBErr(t.path, "poll", unix.ENODEV)
			}
			return nil
		}
	}
}

// foldUSBErr maps usbtmc errnos onto the fatal markers sessions key off.
// The kernel driver returns ENODEV once the instrument is unplugged, EPIPE
// on a stalled endpoint, and EIO on protocol-level failures.
func foldUSBErr(path, op string, err error) error {
	var marker string
	switch err {
	case unix.ENODEV, unix.ENOENT:
		marker = errcode.MarkerUSBNoDevice
	case unix.EPIPE:
		marker = errcode.MarkerUSBPipe
	case unix.EIO:
		marker = errcode.MarkerUSBIO
	case unix.ETIMEDOUT:
		return &errcode.E{C: errcode.Timeout, Op: "usbtmc." + op, Msg: "timeout on " + path, Err: err}
	}
	e := &errcode.E{C: errcode.Error, Op: "usbtmc." + op, Err: err}
	if marker != "" {
		e.Msg = marker + ": " + path
	} else {
		e.Msg = "i/o error on " + path
	}
	return e
}
