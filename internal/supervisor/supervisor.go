// Package supervisor implements the daemon's single-threaded
// dispatch loop: a six-source fd multiplexer (spec §4.4) driving the
// event queue and worker pool to completion.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coredevd/eventd/internal/config"
	"github.com/coredevd/eventd/internal/constants"
	"github.com/coredevd/eventd/internal/ctrl"
	"github.com/coredevd/eventd/internal/inotify"
	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/queue"
	"github.com/coredevd/eventd/internal/wire"
)

// logLeveler is implemented by loggers that support retightening their
// level at runtime (SET_LOG_LEVEL). Loggers that don't implement it are
// left at whatever level they were constructed with.
type logLeveler interface {
	SetLevel(level int)
}

// Supervisor owns every long-lived resource the dispatch loop touches.
// None of its fields are safe for concurrent access; by design only
// the Run goroutine ever touches them (spec §5).
type Supervisor struct {
	cfg config.Config

	queue *queue.EventQueue
	pool  *queue.WorkerPool

	netlink  interfaces.Monitor
	ctrlLn   *ctrl.Listener
	inotify  *inotify.Watcher
	signalFd int

	epfd int

	logger   interfaces.Logger
	observer interfaces.Observer
	reaper   interfaces.CgroupReaper

	exiting       bool
	stopExecQueue bool
	drainDeadline time.Time
	exitConn      *ctrl.Conn // held open for an EXIT request until drain completes

	envOverrides map[string]string // SET_ENV overrides applied to every spawned worker

	lastConfigPoll time.Time
}

// New wires the Supervisor from already-opened collaborators. Any of
// reaper may be nil (optional hygiene hook, spec §2.3).
func New(cfg config.Config, q *queue.EventQueue, pool *queue.WorkerPool, mon interfaces.Monitor, ctrlLn *ctrl.Listener, iw *inotify.Watcher, logger interfaces.Logger, observer interfaces.Observer, reaper interfaces.CgroupReaper) (*Supervisor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("supervisor: epoll_create1: %w", err)
	}

	sigset := sigsetOf(unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGCHLD)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &sigset, nil); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("supervisor: pthread_sigmask: %w", err)
	}
	sigFd, err := unix.Signalfd(-1, &sigset, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("supervisor: signalfd: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		queue:    q,
		pool:     pool,
		netlink:  mon,
		ctrlLn:   ctrlLn,
		inotify:  iw,
		signalFd: sigFd,
		epfd:     epfd,
		logger:   logger,
		observer: observer,
		reaper:   reaper,
	}

	sources := map[int]uint32{
		mon.Fd():            tagNetlink,
		ctrlLn.Fd():         tagCtrl,
		sigFd:               tagSignal,
		iw.Fd():             tagInotify,
		pool.CompletionFd(): tagWorker,
	}
	for fd, tag := range sources {
		if err := s.register(fd, tag); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const (
	tagNetlink uint32 = 1 << iota
	tagCtrl
	tagSignal
	tagInotify
	tagWorker
)

func (s *Supervisor) register(fd int, tag uint32) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	ev.Pad = int32(tag) // abuse the padding field to smuggle our tag
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("supervisor: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (s *Supervisor) unregister(fd int) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// RequestExit begins the graceful shutdown sequence (SIGINT/SIGTERM).
func (s *Supervisor) RequestExit() {
	s.exiting = true
}

// Run drives the dispatch loop until a clean exit (spec §4.4 steps
// 1-15) or a fatal error (drain deadline exceeded).
func (s *Supervisor) Run() error {
	for {
		done, err := s.iterate()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Supervisor) iterate() (done bool, err error) {
	timeout := s.phaseTransition()
	if s.exiting && s.queue.Len() == 0 && s.pool.Len() == 0 {
		return true, nil
	}

	events, werr := s.wait(timeout)
	if werr != nil {
		return false, werr
	}
	if events == 0 {
		if abortErr := s.onTimeout(); abortErr != nil {
			return false, abortErr
		}
		return false, nil
	}

	if s.configChanged() {
		s.reload()
	}

	if events&tagWorker != 0 {
		s.drainWorkerCompletions()
	}
	if events&tagNetlink != 0 {
		s.drainNetlink()
	}

	if s.queue.Len() > 0 && !s.exiting && !s.stopExecQueue {
		s.schedule()
	}

	if events&tagSignal != 0 {
		if err := s.handleSignal(); err != nil {
			return false, err
		}
	}

	if s.exiting {
		return false, nil
	}

	if events&tagInotify != 0 {
		s.handleInotifyBatch()
	}

	if events&tagCtrl != 0 {
		s.handleControl()
	}

	return false, nil
}

// phaseTransition implements spec §4.4 steps 1-3, returning the
// duration to wait at the multiplexer. A zero duration means "forever".
func (s *Supervisor) phaseTransition() time.Duration {
	if s.exiting {
		if s.drainDeadline.IsZero() {
			s.unregister(s.netlink.Fd())
			s.unregister(s.ctrlLn.Fd())
			s.unregister(s.inotify.Fd())
			_ = s.queue.Cleanup(queue.FilterQueued)
			s.pool.KillAll()
			s.drainDeadline = time.Now().Add(drainTimeout())
		}
		if s.queue.Len() == 0 && s.pool.Len() == 0 {
			if s.exitConn != nil {
				s.exitConn.Close()
				s.exitConn = nil
			}
			return 0
		}
		return time.Until(s.drainDeadline)
	}

	if s.queue.Len() == 0 && s.pool.Len() == 0 {
		if s.reaper != nil {
			if err := s.reaper.ReapStray(context.Background()); err != nil {
				s.logger.Warn("cgroup stray-process reap failed", "error", err)
			}
		}
		return 0
	}
	return sweepInterval()
}

// wait blocks at the multiplexer for up to timeout (0 = forever),
// returning the OR of every ready source's tag, or 0 on timeout.
func (s *Supervisor) wait(timeout time.Duration) (uint32, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	var buf [8]unix.EpollEvent
	n, err := unix.EpollWait(s.epfd, buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("supervisor: epoll_wait: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	var tags uint32
	for _, ev := range buf[:n] {
		tags |= uint32(ev.Pad)
	}
	return tags, nil
}

func (s *Supervisor) onTimeout() error {
	if s.exiting && !s.drainDeadline.IsZero() && time.Now().After(s.drainDeadline) {
		return fmt.Errorf("supervisor: giving up waiting for workers")
	}
	if s.queue.Len() == 0 {
		s.pool.KillAll()
	}
	now := time.Now()
	for _, ev := range s.runningEvents() {
		age := now.Sub(ev.StartTime)
		if age > s.cfg.EventTimeout {
			s.pool.SigkillWorker(ev.Worker)
			continue
		}
		if age > s.warnThreshold() && !ev.Warned {
			ev.Warned = true
			s.logger.Warn("event running past warn threshold", "seqnum", ev.Seqnum, "devpath", ev.Devpath)
		}
	}
	return nil
}

// warnThreshold scales the configured hard timeout by the same
// fraction constants.DefaultEventTimeoutWarn bears to
// constants.DefaultEventTimeout, so a non-default event_timeout still
// warns at a sensible point before it kills.
func (s *Supervisor) warnThreshold() time.Duration {
	return s.cfg.EventTimeout / (constants.DefaultEventTimeout / constants.DefaultEventTimeoutWarn)
}

func (s *Supervisor) runningEvents() []*queue.Event {
	var running []*queue.Event
	for _, ev := range s.queue.Iter() {
		if ev.State == queue.Running {
			running = append(running, ev)
		}
	}
	return running
}

// configChanged is the throttled rules/builtin-db poll (spec §4.4 step
// 7). The rule parser and builtin probe database are external
// collaborators outside this repository's scope (spec §1); this always
// reports no change.
func (s *Supervisor) configChanged() bool {
	if time.Since(s.lastConfigPoll) < configPollInterval() {
		return false
	}
	s.lastConfigPoll = time.Now()
	return false
}

func (s *Supervisor) reload() {
	s.pool.KillAll()
}

func (s *Supervisor) drainWorkerCompletions() {
	freed, err := s.pool.DrainCompletions()
	if err != nil {
		s.logger.Warn("drain worker completions", "error", err)
	}
	for _, ev := range freed {
		if s.observer != nil {
			s.observer.ObserveEventCompleted(uint64(time.Since(ev.StartTime).Nanoseconds()))
		}
		if err := s.queue.Remove(ev); err != nil {
			s.logger.Warn("remove completed event", "error", err)
		}
	}
}

func (s *Supervisor) drainNetlink() {
	for {
		dev, err := s.netlink.ReceiveDevice()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.logger.Warn("receive uevent", "error", err)
			return
		}
		s.enqueue(dev)
	}
}

func (s *Supervisor) enqueue(dev interfaces.Device) {
	if _, err := s.queue.Insert(dev, dev); err != nil {
		s.logger.Error("insert event", "error", err)
		return
	}
	if s.observer != nil {
		s.observer.ObserveEventQueued(dev.Seqnum())
		s.observer.ObserveQueueDepth(s.queue.Len())
	}
}

// schedule implements spec §4.4 step 11: iterate the queue in order,
// dispatching every QUEUED event the busy predicate clears.
func (s *Supervisor) schedule() {
	queued := s.queue.Iter()
	for _, ev := range queued {
		if ev.State != queue.Queued {
			continue
		}
		if queue.IsDevpathBusy(ev, queued) {
			continue
		}
		waitNs := uint64(time.Since(ev.ArrivalTime).Nanoseconds())
		if err := s.pool.Dispatch(ev, ev.Dev.Raw()); err != nil {
			s.logger.Error("dispatch event", "error", err, "seqnum", ev.Seqnum)
			continue
		}
		if ev.State == queue.Running && s.observer != nil {
			s.observer.ObserveEventDispatched(waitNs)
		}
	}
}

func (s *Supervisor) handleSignal() error {
	var info unix.SignalfdSiginfo
	raw := (*[unsafe.Sizeof(info)]byte)(unsafe.Pointer(&info))[:]
	n, err := unix.Read(s.signalFd, raw)
	if err != nil || n < int(unsafe.Sizeof(info)) {
		return nil
	}

	switch unix.Signal(info.Signo) {
	case unix.SIGINT, unix.SIGTERM:
		s.exiting = true
	case unix.SIGHUP:
		s.reload()
	case unix.SIGCHLD:
		for _, r := range s.pool.Reap() {
			if r.Abnormal && r.Event != nil && r.Event.DevKernel != nil {
				if err := s.netlink.Broadcast(r.Event.DevKernel); err != nil {
					s.logger.Warn("broadcast crashed worker's kernel event", "error", err)
				}
			}
			if r.Event != nil {
				if err := s.queue.Remove(r.Event); err != nil {
					s.logger.Warn("remove event after worker crash", "error", err)
				}
			}
			if s.observer != nil {
				s.observer.ObserveWorkerReaped(r.Abnormal)
			}
		}
	}
	return nil
}

func (s *Supervisor) handleInotifyBatch() {
	events, err := s.inotify.Read()
	if err != nil {
		if err != unix.EAGAIN {
			s.logger.Warn("read inotify batch", "error", err)
		}
		return
	}
	for _, ev := range events {
		if ev.Vanished {
			continue
		}
		// Writes "change" to the affected sysfs uevent attribute(s) (or
		// re-reads the partition table, which makes the kernel do it for
		// us); the kernel emits the resulting uevent on the netlink
		// source like any other event (spec §4.6). Nothing is injected
		// into the queue directly here.
		if err := s.inotify.SynthesizeChange(ev.Devnode, ev.Devpath); err != nil {
			s.logger.Warn("synthesize change uevent", "error", err, "devpath", ev.Devpath)
		}
	}
	// Queue those uevents now, before control messages are handled, so a
	// client checking the queue sees the work this batch caused.
	s.drainNetlink()
}

func (s *Supervisor) handleControl() {
	conn, err := s.ctrlLn.Accept()
	if err != nil {
		if err != unix.EAGAIN {
			s.logger.Warn("accept control connection", "error", err)
		}
		return
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("read control message", "error", err)
		conn.Close()
		return
	}

	switch msg.Op {
	case wire.OpSetLogLevel:
		if lv, ok := s.logger.(logLeveler); ok {
			lv.SetLevel(int(msg.IntArg))
		}
		s.logger.Info("control: set log level", "level", msg.IntArg)
		s.pool.KillAll()
	case wire.OpStopExecQueue:
		s.stopExecQueue = true
	case wire.OpStartExecQueue:
		s.stopExecQueue = false
	case wire.OpReload:
		s.reload()
	case wire.OpSetMaxChildren:
		s.pool.SetChildrenMax(int(msg.IntArg))
	case wire.OpSetEnv:
		s.applyEnvOverride(msg.StrArg)
		s.pool.SetEnvOverrides(s.envOverrides)
		s.pool.KillAll()
	case wire.OpExit:
		// held open until phaseTransition observes an empty queue and
		// pool, per the EXIT connection-close ordering decision.
		s.exiting = true
		s.exitConn = conn
		return
	case wire.OpPing:
		// answered implicitly by accepting the connection.
	}
	conn.Close()
}

// applyEnvOverride implements SET_ENV's "K=V" (set) / "K" (unset)
// grammar against the daemon's environment-overrides list (spec §6).
func (s *Supervisor) applyEnvOverride(arg string) {
	if s.envOverrides == nil {
		s.envOverrides = make(map[string]string)
	}
	key, value, hasValue := strings.Cut(arg, "=")
	if !hasValue {
		delete(s.envOverrides, key)
		return
	}
	s.envOverrides[key] = value
}

func drainTimeout() time.Duration       { return constants.DrainTimeout }
func sweepInterval() time.Duration      { return constants.SweepInterval }
func configPollInterval() time.Duration { return constants.ConfigPollInterval }

// sigsetOf builds a Sigset_t with the given signals blocked, for use
// with PthreadSigmask and Signalfd.
func sigsetOf(sigs ...unix.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, sig := range sigs {
		word := (sig - 1) / 64
		bit := uint((sig - 1) % 64)
		set.Val[word] |= 1 << bit
	}
	return set
}
