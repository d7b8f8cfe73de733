package constants

import "time"

// Default configuration constants for the event-dispatch daemon.
const (
	// DefaultChildrenMaxBase is the fixed term in the children_max formula
	// (children_max = DefaultChildrenMaxBase + DefaultChildrenMaxPerCPU*nproc).
	DefaultChildrenMaxBase = 8

	// DefaultChildrenMaxPerCPU is the per-CPU term in the children_max formula.
	DefaultChildrenMaxPerCPU = 2

	// WorkerMarkerSize is the fixed payload size of the worker-completion
	// "I am done" datagram. The marker carries no data of its own; the
	// sender's pid arrives out-of-band via SCM_CREDENTIALS.
	WorkerMarkerSize = 0
)

// Timing constants for event lifecycle and supervisor loop cadence.
//
// These mirror the values in the original udevd main loop: a 3-second
// sweep cadence while there is live work, a 30-second drain budget during
// shutdown, and a default 180-second hard kill timeout with a warning at
// a third of that.
const (
	// DefaultEventTimeout is how long a worker may run a single event
	// before being SIGKILLed.
	DefaultEventTimeout = 180 * time.Second

	// DefaultEventTimeoutWarn is how long a worker may run before a
	// one-shot warning is logged against its event.
	DefaultEventTimeoutWarn = DefaultEventTimeout / 3

	// SweepInterval is the supervisor loop timeout while queue or pool
	// is non-empty: how often timeouts and config changes are polled.
	SweepInterval = 3 * time.Second

	// DrainTimeout is the grace period after udev_exit is set during
	// which queued events are cancelled and running workers are given
	// to exit via SIGTERM before the daemon aborts with an error.
	DrainTimeout = 30 * time.Second

	// ConfigPollInterval throttles the rules/builtin-db timestamp check
	// that triggers a reload.
	ConfigPollInterval = 3 * time.Second
)

// Filesystem locations for external collaborators.
const (
	// QueueMarkerPath is touched while the event queue is non-empty and
	// removed when it drains; external "settle" clients poll for its
	// absence.
	QueueMarkerPath = "/run/udev/queue"

	// ProcCmdlinePath is read for udev./rd.udev.-prefixed kernel
	// command-line options.
	ProcCmdlinePath = "/proc/cmdline"
)
