// Package inotify implements the supervisor's partition re-read
// handler (spec §4.6): watch block device nodes for IN_CLOSE_WRITE (a
// writer closed after partition-table changes) and IN_IGNORED (the
// watched node disappeared), then make the kernel itself emit the
// resulting uevents — either by re-reading the partition table, or, if
// that doesn't produce one, by writing "change" to the affected
// sysfs `uevent` attribute(s) (original_source/src/udev/udevd.c,
// synthesize_change()). Nothing is fabricated in-process; the event
// always arrives back through the real netlink source.
package inotify

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const watchMask = unix.IN_CLOSE_WRITE | unix.IN_IGNORED

// blkRRPart is Linux's BLKRRPART ioctl (linux/fs.h): ask the kernel to
// re-read a block device's partition table.
const blkRRPart = 0x125f

// watched tracks the devnode and devpath a watch descriptor belongs to.
type watched struct {
	devnode string
	devpath string
}

// Watcher wraps one inotify instance, tracking which devnode/devpath
// each watch descriptor belongs to so a fired event can be turned back
// into a partition-table re-read or sysfs write.
type Watcher struct {
	fd      int
	sysRoot string // "/sys" in production; overridable by tests
	byWd    map[int32]watched
}

// New creates an inotify instance. Its fd is one of the supervisor's
// six multiplexed sources (spec §4.4).
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}
	return &Watcher{fd: fd, sysRoot: "/sys", byWd: make(map[int32]watched)}, nil
}

// Fd returns the inotify fd for epoll registration.
func (w *Watcher) Fd() int { return w.fd }

// Close closes the inotify instance.
func (w *Watcher) Close() error { return unix.Close(w.fd) }

// Watch arms a watch on devnode (e.g. /dev/sda), associated with
// devpath for event synthesis (spec §4.6). Within this repository only
// tests call it; neither the supervisor nor workerproc arms watches.
func (w *Watcher) Watch(devnode, devpath string) error {
	wd, err := unix.InotifyAddWatch(w.fd, devnode, watchMask)
	if err != nil {
		return fmt.Errorf("inotify: watch %s: %w", devnode, err)
	}
	w.byWd[int32(wd)] = watched{devnode: devnode, devpath: devpath}
	return nil
}

// Event is one fired inotify watch, resolved back to the devnode/devpath
// whose partition table needs a re-read.
type Event struct {
	Devpath  string
	Devnode  string
	Vanished bool // true on IN_IGNORED: the watch descriptor was dropped
}

// Read drains pending inotify events non-blockingly. Returns
// unix.EAGAIN (wrapped) when none are pending.
func (w *Watcher) Read() ([]Event, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(w.fd, buf)
	if err != nil {
		return nil, err
	}

	var events []Event
	for off := 0; off+unix.SizeofInotifyEvent <= n; {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		nameLen := int(raw.Len)
		wv, known := w.byWd[raw.Wd]
		if known {
			ev := Event{Devpath: wv.devpath, Devnode: wv.devnode}
			if raw.Mask&unix.IN_IGNORED != 0 {
				ev.Vanished = true
				delete(w.byWd, raw.Wd)
			}
			events = append(events, ev)
		}
		off += unix.SizeofInotifyEvent + nameLen
	}
	return events, nil
}

// SynthesizeChange implements synthesize_change(): when devnode (a disk,
// identified by its sysfs DEVTYPE attribute) exposes partitions, try to
// make the kernel re-read its partition table first — a successful
// re-read makes the kernel emit "change" for the disk and add/remove for
// every partition on its own, so nothing further is needed. Only when
// that doesn't happen (no partition table, or the re-read failed because
// something else holds the node) does this fall back to writing "change"
// by hand to the disk's and each partition's sysfs `uevent` attribute.
// Non-disk devices always take the direct "change" write.
func (w *Watcher) SynthesizeChange(devnode, devpath string) error {
	sysname := path.Base(devpath)
	if w.isDisk(devpath) && !strings.HasPrefix(sysname, "dm-") {
		partTableRead := rereadPartitionTable(devnode)
		partitions, err := w.partitionDevpaths(devpath)
		if err != nil {
			partitions = nil
		}

		if partTableRead && len(partitions) > 0 {
			return nil
		}

		if err := w.writeChange(devpath); err != nil {
			return err
		}
		for _, p := range partitions {
			if err := w.writeChange(p); err != nil {
				return err
			}
		}
		return nil
	}

	return w.writeChange(devpath)
}

// isDisk reports whether devpath's sysfs uevent attribute advertises
// DEVTYPE=disk.
func (w *Watcher) isDisk(devpath string) bool {
	data, err := os.ReadFile(w.ueventPath(devpath))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if key, value, ok := strings.Cut(line, "="); ok && key == "DEVTYPE" {
			return value == "disk"
		}
	}
	return false
}

// partitionDevpaths lists devpath's immediate sysfs children that carry
// a "partition" attribute, i.e. are themselves partition devices.
func (w *Watcher) partitionDevpaths(devpath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.sysRoot, devpath))
	if err != nil {
		return nil, fmt.Errorf("inotify: enumerate partitions of %s: %w", devpath, err)
	}
	var partitions []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		child := path.Join(devpath, entry.Name())
		if _, err := os.Stat(filepath.Join(w.sysRoot, child, "partition")); err == nil {
			partitions = append(partitions, child)
		}
	}
	return partitions, nil
}

// writeChange writes "change" to devpath's sysfs uevent attribute,
// asking the kernel to re-emit that device's uevent (spec §4.6).
func (w *Watcher) writeChange(devpath string) error {
	fd, err := unix.Open(w.ueventPath(devpath), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("inotify: open uevent attribute for %s: %w", devpath, err)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte("change")); err != nil {
		return fmt.Errorf("inotify: write change to %s: %w", devpath, err)
	}
	return nil
}

func (w *Watcher) ueventPath(devpath string) string {
	return filepath.Join(w.sysRoot, devpath, "uevent")
}

// rereadPartitionTable takes an exclusive, non-blocking lock on devnode
// and issues BLKRRPART. Any failure (node busy, no such ioctl support,
// missing node) is reported as "didn't happen" rather than an error: the
// caller falls back to synthesizing "change" by hand either way.
func rereadPartitionTable(devnode string) bool {
	fd, err := unix.Open(devnode, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(blkRRPart), 0); errno != 0 {
		return false
	}
	return true
}
