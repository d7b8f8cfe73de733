// Package ctrl implements the administrative control socket: an
// AF_LOCAL SOCK_SEQPACKET listener carrying internal/wire control
// messages (SET_LOG_LEVEL, STOP_EXEC_QUEUE, RELOAD, ...).
package ctrl

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/wire"
)

const listenBacklog = 16

// Listener is the bound, listening control socket. Its fd is one of the
// supervisor's six multiplexed sources (spec §4.4).
type Listener struct {
	fd     int
	path   string
	logger interfaces.Logger
}

// Listen creates and binds the control socket at path, replacing any
// stale socket file left by a previous run.
func Listen(path string, logger interfaces.Logger) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrl: socket: %w", err)
	}

	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrl: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrl: listen %s: %w", path, err)
	}

	if logger != nil {
		logger.Debug("control socket listening", "path", path)
	}
	return &Listener{fd: fd, path: path, logger: logger}, nil
}

// Fd returns the listening socket's fd for epoll registration.
func (l *Listener) Fd() int { return l.fd }

// Close closes the listening socket and unlinks the socket file.
func (l *Listener) Close() error {
	_ = unix.Unlink(l.path)
	return unix.Close(l.fd)
}

// Accept accepts one pending connection. Returns unix.EAGAIN (wrapped)
// when none is pending.
func (l *Listener) Accept() (*Conn, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: nfd}, nil
}

// Conn is one accepted control-socket connection. Control clients send
// exactly one seqpacket message and close; the supervisor reads it
// synchronously on EPOLLIN (spec §4.4, on_ctrl_msg).
type Conn struct {
	fd int
}

// Fd returns the connection's fd.
func (c *Conn) Fd() int { return c.fd }

// ReadMessage reads and decodes the single control message a client
// sends on this connection.
func (c *Conn) ReadMessage() (wire.ControlMessage, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return wire.ControlMessage{}, err
	}
	if n == 0 {
		return wire.ControlMessage{}, io.EOF
	}
	return wire.UnmarshalControl(buf[:n])
}

// Close closes the connection.
func (c *Conn) Close() error { return unix.Close(c.fd) }
