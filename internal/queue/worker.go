package queue

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coredevd/eventd/internal/interfaces"
)

// workerSubcommand is the hidden argv[1] cmd/eventd recognizes to enter
// worker mode instead of starting the supervisor. ExecDelayEnv carries
// the configured exec_delay (spec §6 kernel cmdline option) through to
// the worker subprocess's environment; cmd/eventd's worker-mode
// entrypoint reads it back to build workerproc.Config.
const (
	workerSubcommand = "__worker"
	ExecDelayEnv     = "EVENTD_EXEC_DELAY"
)

// WorkerState is a Worker's lifecycle state (spec §4.3 state machine).
type WorkerState int

const (
	WorkerRunning WorkerState = iota
	WorkerIdle
	WorkerKilled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "RUNNING"
	case WorkerIdle:
		return "IDLE"
	case WorkerKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Worker describes one live worker process: its pid, its private
// supervisor-to-worker message endpoint, and the Event it currently
// owns (if any).
type Worker struct {
	pid   int
	state WorkerState
	event *Event // owning handle; non-nil iff state == WorkerRunning

	toWorker *os.File  // supervisor's end of this worker's private socketpair
	cmd      *exec.Cmd // the worker subprocess

	mu sync.Mutex // guards state/event against concurrent dispatch/drain calls
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int { return w.pid }

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// send delivers dev to the worker's private endpoint. A non-nil error
// means the worker is presumed dead; the caller SIGKILLs it.
func (w *Worker) send(payload []byte) error {
	_, err := w.toWorker.Write(payload)
	return err
}

// WorkerPool maps pid to Worker: spawn, idle reuse, bulk kill, and
// crash reap. Touched only by the supervisor goroutine, so it carries
// no top-level lock (spec §5); per-worker state is still guarded by
// Worker.mu since dispatch and DrainCompletions both touch it within
// the same iteration.
type WorkerPool struct {
	workers     map[int]*Worker
	childrenMax int

	selfExe string // argv[0]-equivalent used to re-exec the worker entrypoint

	completionRead  *os.File // supervisor's read end of the shared completion socket
	completionWrite *os.File // template duplicated into every spawned worker

	logger    interfaces.Logger
	observer  interfaces.Observer
	execDelay time.Duration

	envOverrides map[string]string // SET_ENV overrides applied to every subsequently spawned worker
}

// WorkerPoolConfig configures a new WorkerPool.
type WorkerPoolConfig struct {
	ChildrenMax int
	SelfExe     string
	Logger      interfaces.Logger
	Observer    interfaces.Observer
	ExecDelay   time.Duration
}

// NewWorkerPool creates an empty pool and the shared many-writer
// one-reader completion socket (spec §4.5, §6).
func NewWorkerPool(cfg WorkerPoolConfig) (*WorkerPool, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("queue: create completion socketpair: %w", err)
	}
	if err := unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("queue: enable SO_PASSCRED: %w", err)
	}

	return &WorkerPool{
		workers:         make(map[int]*Worker),
		childrenMax:     cfg.ChildrenMax,
		selfExe:         cfg.SelfExe,
		completionRead:  os.NewFile(uintptr(fds[0]), "worker-completion-read"),
		completionWrite: os.NewFile(uintptr(fds[1]), "worker-completion-write"),
		logger:          cfg.Logger,
		observer:        cfg.Observer,
		execDelay:       cfg.ExecDelay,
	}, nil
}

// Len returns the number of live (non-removed) workers.
func (p *WorkerPool) Len() int {
	return len(p.workers)
}

// CompletionFd returns the fd the supervisor multiplexes for worker
// completion readiness.
func (p *WorkerPool) CompletionFd() int {
	return int(p.completionRead.Fd())
}

// SetChildrenMax updates the pool cap (SET_MAX_CHILDREN control message).
func (p *WorkerPool) SetChildrenMax(n int) {
	p.childrenMax = n
}

// ChildrenMax returns the pool's current cap.
func (p *WorkerPool) ChildrenMax() int {
	return p.childrenMax
}

// SetEnvOverrides replaces the administrator-supplied environment
// overrides (SET_ENV control messages, spec §6) applied to every
// worker spawned from now on. Already-running workers are unaffected;
// the caller is expected to KillAll so they get re-spawned with the
// new environment.
func (p *WorkerPool) SetEnvOverrides(overrides map[string]string) {
	p.envOverrides = overrides
}

// attach implements the attachment invariant (spec §4.3): legal only
// when both worker.event and event.worker are nil.
func attach(w *Worker, e *Event) error {
	if w.event != nil || e.Worker != nil {
		return fmt.Errorf("queue: attach called with non-nil event/worker back-reference")
	}
	w.state = WorkerRunning
	w.event = e
	e.State = Running
	e.Worker = w
	e.StartTime = time.Now()
	e.Warned = false
	return nil
}

// spawn creates a private per-worker endpoint, forks a worker
// subprocess carrying it and a dup of the shared completion socket, and
// attaches event to the new Worker. On any failure the event is left
// for the caller to return to QUEUED (spec §4.3 spawn, §7 fork failure).
func (p *WorkerPool) spawn(event *Event) (*Worker, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("queue: create worker socketpair: %w", err)
	}
	supervisorEnd := os.NewFile(uintptr(fds[0]), "to-worker")
	workerEnd := os.NewFile(uintptr(fds[1]), "from-supervisor")
	defer workerEnd.Close() // the child keeps its own dup; we close ours after Start

	cmd := exec.Command(p.selfExe, workerSubcommand)
	cmd.ExtraFiles = []*os.File{workerEnd, p.completionWrite}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	env := append(os.Environ(), fmt.Sprintf("%s=%s", ExecDelayEnv, p.execDelay))
	for k, v := range p.envOverrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		supervisorEnd.Close()
		return nil, fmt.Errorf("queue: fork worker: %w", err)
	}

	w := &Worker{
		pid:      cmd.Process.Pid,
		state:    WorkerRunning,
		toWorker: supervisorEnd,
		cmd:      cmd,
	}
	if err := attach(w, event); err != nil {
		return nil, err
	}
	p.workers[w.pid] = w
	if p.observer != nil {
		p.observer.ObserveWorkerSpawned()
	}
	if p.logger != nil {
		p.logger.Debug("spawned worker", "pid", w.pid, "seqnum", event.Seqnum, "devpath", event.Devpath)
	}
	return w, nil
}

// Dispatch implements spec §4.3 dispatch: try every idle worker in
// pool-iteration order; on send success attach and return; on send
// failure SIGKILL that worker and keep trying; if nothing accepted and
// the pool has room, spawn a fresh worker; otherwise leave event QUEUED.
func (p *WorkerPool) Dispatch(event *Event, payload []byte) error {
	for pid, w := range p.workers {
		w.mu.Lock()
		idle := w.state == WorkerIdle
		w.mu.Unlock()
		if !idle {
			continue
		}

		if err := w.send(payload); err != nil {
			if p.logger != nil {
				p.logger.Warn("worker send failed, killing", "pid", pid, "error", err)
			}
			p.SigkillWorker(w)
			continue
		}

		w.mu.Lock()
		err := attach(w, event)
		w.mu.Unlock()
		return err
	}

	if len(p.workers) < p.childrenMax {
		_, err := p.spawn(event)
		return err
	}
	return nil // left QUEUED; scheduler retries next iteration
}

// killOne sends SIGTERM and marks worker KILLED without removing it
// from the pool - removal only happens on reap, per the state machine.
func (p *WorkerPool) killOne(w *Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerKilled {
		return
	}
	_ = syscall.Kill(w.pid, syscall.SIGTERM)
	w.state = WorkerKilled
	if p.observer != nil {
		p.observer.ObserveWorkerKilled()
	}
}

// KillAll sends SIGTERM to every non-KILLED worker and marks them
// KILLED (spec §4.3 kill_all).
func (p *WorkerPool) KillAll() {
	for _, w := range p.workers {
		p.killOne(w)
	}
}

// SigkillWorker escalates a single worker to SIGKILL, used by the
// supervisor's per-event hard timeout (spec §4.4 step 5).
func (p *WorkerPool) SigkillWorker(w *Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = syscall.Kill(w.pid, syscall.SIGKILL)
	w.state = WorkerKilled
	if p.observer != nil {
		p.observer.ObserveWorkerKilled()
	}
}

// ReapResult describes one reaped worker, for the supervisor to act on.
type ReapResult struct {
	Pid      int
	Abnormal bool
	Event    *Event // the event it held, if any (nil if it was idle)
}

// Reap implements spec §4.3 reap: non-blocking-wait every child
// repeatedly until none remain, removing each reaped Worker from the
// pool. Abnormal exits (non-zero status or fatal signal) are flagged so
// the supervisor can forward the raw kernel event (scenario D).
func (p *WorkerPool) Reap() []ReapResult {
	var results []ReapResult
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		w, ok := p.workers[pid]
		if !ok {
			continue
		}
		abnormal := status.ExitStatus() != 0 || status.Signaled()
		results = append(results, ReapResult{Pid: pid, Abnormal: abnormal, Event: w.event})
		if p.observer != nil {
			p.observer.ObserveWorkerReaped(abnormal)
		}
		w.toWorker.Close()
		delete(p.workers, pid)
	}
	return results
}

// DrainCompletions reads worker-completion datagrams non-blockingly
// until EAGAIN (spec §4.5, §9 starvation-avoidance open question).
// Returns the Events that were freed so the caller can remove them from
// the EventQueue.
func (p *WorkerPool) DrainCompletions() ([]*Event, error) {
	var freed []*Event
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred)) // room for one SCM_CREDENTIALS

	for {
		n, oobn, _, _, err := unix.Recvmsg(int(p.completionRead.Fd()), buf, oob, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return freed, nil
			}
			if err == unix.EINTR {
				continue
			}
			return freed, fmt.Errorf("queue: recvmsg completion: %w", err)
		}

		if n != 0 {
			if p.logger != nil {
				p.logger.Warn("dropping malformed worker completion", "len", n)
			}
			continue
		}

		cred, err := parsePeerCred(oob[:oobn])
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("dropping worker completion without credentials", "error", err)
			}
			continue
		}

		w, ok := p.workers[int(cred.Pid)]
		if !ok {
			if p.logger != nil {
				p.logger.Debug("completion from unknown pid", "pid", cred.Pid)
			}
			continue
		}

		w.mu.Lock()
		if w.state != WorkerKilled {
			w.state = WorkerIdle
		}
		ev := w.event
		w.event = nil
		w.mu.Unlock()

		if ev != nil {
			ev.Worker = nil
			freed = append(freed, ev)
		}
	}
}

// parsePeerCred extracts the sender pid from a control-message buffer
// carrying SCM_CREDENTIALS.
func parsePeerCred(oob []byte) (*unix.Ucred, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if cred, err := unix.ParseUnixCredentials(&m); err == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("queue: no SCM_CREDENTIALS in control message")
}
