// Package monitor implements the kernel uevent source: a netlink socket
// bound to NETLINK_KOBJECT_UEVENT, decoding datagrams via internal/wire
// and exposing them as interfaces.Device.
package monitor

import (
	"fmt"
	"path"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/wire"
)

// kobjectUeventGroup is the netlink multicast group carrying kernel
// uevents (as opposed to group 2, the userspace udev group).
const kobjectUeventGroup = 1

// Monitor is a netlink NETLINK_KOBJECT_UEVENT socket.
type Monitor struct {
	fd int
}

// New opens and binds the netlink socket. Requires CAP_NET_ADMIN in
// practice; unit tests exercise device decoding directly against
// internal/wire instead of opening a real socket.
func New() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("monitor: socket: %w", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("monitor: bind: %w", err)
	}

	// SO_PASSCRED lets us verify SCM_CREDENTIALS on every datagram: only
	// uid 0 (the kernel) is trusted as a uevent source.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("monitor: SO_PASSCRED: %w", err)
	}

	return &Monitor{fd: fd}, nil
}

// Fd implements interfaces.Monitor.
func (m *Monitor) Fd() int { return m.fd }

// Close implements interfaces.Monitor.
func (m *Monitor) Close() error { return unix.Close(m.fd) }

// ReceiveDevice implements interfaces.Monitor: decode one pending
// datagram and verify it was sent by the kernel (uid 0), dropping
// anything else as a potential spoofed uevent.
func (m *Monitor) ReceiveDevice() (interfaces.Device, error) {
	buf := make([]byte, 16*1024)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	n, oobn, _, _, err := unix.Recvmsg(m.fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		return nil, err
	}

	if uid, ok := peerUID(oob[:oobn]); !ok || uid != 0 {
		return nil, fmt.Errorf("monitor: dropping uevent from untrusted sender (uid ok=%v)", ok)
	}

	uev, err := wire.ParseUevent(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return &device{uev: uev}, nil
}

// Broadcast implements interfaces.Monitor: re-publish dev to the same
// multicast group, used to forward a crashed worker's raw kernel event
// unmodified (spec §4.3 reap, scenario D).
func (m *Monitor) Broadcast(dev interfaces.Device) error {
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}
	return unix.Sendto(m.fd, dev.Raw(), 0, sa)
}

func peerUID(oob []byte) (uint32, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, cm := range msgs {
		if cred, err := unix.ParseUnixCredentials(&cm); err == nil {
			return cred.Uid, true
		}
	}
	return 0, false
}

// device adapts a wire.Uevent to interfaces.Device. Kept unexported: an
// Event only ever observes it through the Device interface.
type device struct {
	uev *wire.Uevent
}

func (d *device) Seqnum() uint64      { return d.uev.Seqnum() }
func (d *device) Action() string      { return d.uev.Action }
func (d *device) Devpath() string     { return d.uev.Devpath }
func (d *device) DevpathOld() string  { return d.uev.DevpathOld() }
func (d *device) Subsystem() string   { return d.uev.Fields["SUBSYSTEM"] }
func (d *device) Devtype() string     { return d.uev.Fields["DEVTYPE"] }
func (d *device) Sysname() string     { return path.Base(d.uev.Devpath) }
func (d *device) Devnode() string     { return d.uev.Fields["DEVNAME"] }
func (d *device) DevnumMajor() uint32 { return d.uev.DevnumMajor() }
func (d *device) DevnumMinor() uint32 { return d.uev.DevnumMinor() }
func (d *device) Ifindex() int        { return d.uev.Ifindex() }
func (d *device) Raw() []byte         { return d.uev.Raw }

func (d *device) IsBlock() bool {
	return d.uev.Fields["SUBSYSTEM"] == "block"
}

// WrapUevent adapts an already-parsed wire.Uevent to interfaces.Device,
// for collaborators (the worker subprocess) that receive the raw
// datagram bytes over a channel other than the netlink socket itself.
func WrapUevent(uev *wire.Uevent) interfaces.Device {
	return &device{uev: uev}
}

// NewSynthetic builds a Device without a real netlink socket, re-using
// the same wire grammar a kernel datagram would use so it flows through
// the identical decode path. Used by tests and fixtures that need a
// Device without a kernel to produce one.
func NewSynthetic(action, devpath string, fields map[string]string) interfaces.Device {
	f := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	uev := &wire.Uevent{Action: action, Devpath: devpath, Fields: f}
	uev.Raw = wire.MarshalUevent(uev)
	return &device{uev: uev}
}

// SetSeqnum overrides a synthetic Device's SEQNUM field, for tests that
// need to control ordering between multiple synthetic devices.
func SetSeqnum(d interfaces.Device, seqnum uint64) {
	dd, ok := d.(*device)
	if !ok {
		return
	}
	dd.uev.Fields["SEQNUM"] = strconv.FormatUint(seqnum, 10)
	dd.uev.Raw = wire.MarshalUevent(dd.uev)
}
