// Package workerproc implements the body of a spawned worker process:
// the short-lived child cmd/eventd re-execs itself into (spec §4.3) to
// apply rules to exactly one event at a time, inherited over the fds
// the supervisor's queue.WorkerPool wired into cmd.ExtraFiles.
//
// A worker never touches the event queue or the other workers; its
// entire view of the world is its two inherited sockets and the
// RuleEngine it was built with.
package workerproc

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/monitor"
	"github.com/coredevd/eventd/internal/wire"
)

// Inherited fd numbers, fixed by the order queue.WorkerPool.spawn
// populates cmd.ExtraFiles: 0-2 are stdio, so ExtraFiles[0] lands at 3.
const (
	fromSupervisorFd = 3
	completionFd      = 4
)

// Config bundles a worker's collaborators. Engine is the only required
// field; the others default to conservative no-ops.
type Config struct {
	Engine      interfaces.RuleEngine
	Security    interfaces.SecurityContextSetter // nil skips the SELinux-shaped hook
	Logger      interfaces.Logger
	ExecDelay   time.Duration
	LockTimeout time.Duration // > 0 bounds the context passed to Security and Engine; the devnode lock is always tried once, without waiting
}

// Run is cmd/eventd's worker-mode entry point: read exactly one device
// payload from the inherited supervisor socket, apply it, post a
// completion marker, and exit. It never loops — one process, one
// event, matching the spec's per-dispatch fork model.
func Run(cfg Config) error {
	if cfg.Engine == nil {
		return fmt.Errorf("workerproc: no RuleEngine configured")
	}
	if cfg.ExecDelay > 0 {
		time.Sleep(cfg.ExecDelay)
	}

	in := os.NewFile(uintptr(fromSupervisorFd), "from-supervisor")
	defer in.Close()
	out := os.NewFile(uintptr(completionFd), "to-supervisor")
	defer out.Close()

	buf := make([]byte, 16384)
	n, err := in.Read(buf)
	if err != nil {
		return fmt.Errorf("workerproc: read event payload: %w", err)
	}

	uev, err := wire.ParseUevent(buf[:n])
	if err != nil {
		return fmt.Errorf("workerproc: parse event payload: %w", err)
	}
	dev := monitor.WrapUevent(uev)

	if err := apply(cfg, dev); err != nil && cfg.Logger != nil {
		cfg.Logger.Warn("rule application failed", "devpath", dev.Devpath(), "error", err)
	}

	return postCompletion(out)
}

// apply takes a shared (non-exclusive) lock on the device node before
// running rules, skipping silently if another process holds it
// exclusively (spec §5 shared-resource policy: a worker never blocks
// waiting on a node another worker is actively using).
func apply(cfg Config, dev interfaces.Device) error {
	ctx := context.Background()
	if cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LockTimeout)
		defer cancel()
	}

	unlock, locked, err := lockDevnode(dev.Devnode())
	if err != nil {
		return fmt.Errorf("flock %s: %w", dev.Devnode(), err)
	}
	if locked {
		defer unlock()
	} else if dev.Devnode() != "" {
		if _, statErr := os.Stat(dev.Devnode()); statErr == nil {
			// Another process holds the node exclusively. A worker never
			// blocks waiting on a node another worker is actively using
			// (spec §5 shared-resource policy), so rule application is
			// skipped entirely rather than applied unlocked.
			return nil
		}
		// The node does not exist: nothing to lock, apply unlocked.
	}

	if cfg.Security != nil {
		if err := cfg.Security.Apply(ctx, dev); err != nil {
			return fmt.Errorf("security context: %w", err)
		}
	}
	return cfg.Engine.Apply(ctx, dev)
}

// lockDevnode takes a non-blocking shared flock on a device node.
// devnode == "" (events with no backing device node), ENOENT and
// EAGAIN (node held exclusively elsewhere) are not treated as errors:
// all three return locked=false with a nil error. apply proceeds
// unlocked when there is no node and skips rule application on EAGAIN.
func lockDevnode(devnode string) (unlock func(), locked bool, err error) {
	if devnode == "" {
		return func() {}, false, nil
	}
	fd, err := unix.Open(devnode, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		if err == unix.ENOENT {
			return func() {}, false, nil
		}
		return nil, false, err
	}
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return func() {}, false, nil
		}
		return nil, false, err
	}
	return func() { unix.Close(fd) }, true, nil
}

// postCompletion sends the zero-length "I am done" marker with
// SCM_CREDENTIALS so the supervisor can match it back to this pid
// (spec §4.5). The credentials sent are this process's own pid, uid
// and gid, which the kernel checks against the sender.
func postCompletion(out *os.File) error {
	cred := &unix.Ucred{Pid: int32(os.Getpid()), Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	oob := unix.UnixCredentials(cred)
	_, err := unix.Sendmsg(int(out.Fd()), wire.MarshalWorkerMarker(), oob, nil, 0)
	return err
}
