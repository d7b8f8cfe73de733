// Package eventd provides the event-dispatch daemon: an engine that
// receives kernel device-uevent notifications, serializes them against
// concurrent work via a busy-dependency predicate, and farms them out
// to a pool of short-lived worker processes applying administrator
// rules.
package eventd

import (
	"context"
	"os"

	"github.com/coredevd/eventd/internal/config"
	"github.com/coredevd/eventd/internal/ctrl"
	"github.com/coredevd/eventd/internal/inotify"
	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/monitor"
	"github.com/coredevd/eventd/internal/queue"
	"github.com/coredevd/eventd/internal/queuemarker"
	"github.com/coredevd/eventd/internal/supervisor"
)

// Options bundles the Daemon's pluggable collaborators. All fields are
// optional; nil values get conservative defaults.
type Options struct {
	Context  context.Context
	Logger   interfaces.Logger
	Observer interfaces.Observer
	Reaper   interfaces.CgroupReaper
}

// Daemon owns the long-lived resources a running event-dispatch engine
// needs: the netlink monitor, the control socket, the inotify watcher,
// the queue marker, and the supervisor loop tying them together.
type Daemon struct {
	cfg config.Config

	monitor *monitor.Monitor
	ctrlLn  *ctrl.Listener
	inotify *inotify.Watcher
	marker  *queuemarker.FileMarker

	supervisor *supervisor.Supervisor

	metrics  *Metrics
	observer interfaces.Observer
}

// New wires a Daemon from cfg, opening the netlink socket, the
// administrative control socket, and the inotify instance. Any failure
// here is a startup failure (spec §7): fatal, non-zero exit.
func New(cfg config.Config, opts *Options) (*Daemon, error) {
	if opts == nil {
		opts = &Options{}
	}

	mon, err := monitor.New()
	if err != nil {
		return nil, WrapError("open netlink monitor", err)
	}

	ctrlLn, err := ctrl.Listen(cfg.ControlSocket, opts.Logger)
	if err != nil {
		mon.Close()
		return nil, WrapError("listen control socket", err)
	}

	iw, err := inotify.New()
	if err != nil {
		mon.Close()
		ctrlLn.Close()
		return nil, WrapError("open inotify instance", err)
	}

	marker, err := queuemarker.New(cfg.QueueMarkerPath, opts.Logger)
	if err != nil {
		mon.Close()
		ctrlLn.Close()
		iw.Close()
		return nil, WrapError("create queue marker", err)
	}

	var metrics *Metrics
	observer := opts.Observer
	if observer == nil {
		metrics = NewMetrics()
		observer = NewMetricsObserver(metrics)
	}

	q := queue.NewEventQueue(marker)
	pool, err := queue.NewWorkerPool(queue.WorkerPoolConfig{
		ChildrenMax: cfg.ChildrenMax,
		SelfExe:     selfExePath(),
		Logger:      opts.Logger,
		Observer:    observer,
		ExecDelay:   cfg.ExecDelay,
	})
	if err != nil {
		mon.Close()
		ctrlLn.Close()
		iw.Close()
		return nil, WrapError("create worker pool", err)
	}

	sup, err := supervisor.New(cfg, q, pool, mon, ctrlLn, iw, opts.Logger, observer, opts.Reaper)
	if err != nil {
		mon.Close()
		ctrlLn.Close()
		iw.Close()
		return nil, WrapError("wire supervisor", err)
	}

	return &Daemon{
		cfg:        cfg,
		monitor:    mon,
		ctrlLn:     ctrlLn,
		inotify:    iw,
		marker:     marker,
		supervisor: sup,
		metrics:    metrics,
		observer:   observer,
	}, nil
}

// Run drives the dispatch loop to completion: a clean exit once
// RequestExit has been called and the queue and pool have both
// drained, or a fatal error (drain deadline exceeded).
func (d *Daemon) Run() error {
	return d.supervisor.Run()
}

// RequestExit begins the graceful shutdown sequence (spec §4.4 steps
// 1-3), normally called from a SIGINT/SIGTERM handler in cmd/eventd.
func (d *Daemon) RequestExit() {
	d.supervisor.RequestExit()
}

// Close releases the daemon's fds. Call once Run has returned; the
// supervisor itself unregisters these from epoll during its exit-phase
// transition but does not own closing them.
func (d *Daemon) Close() error {
	d.marker.Remove()
	d.inotify.Close()
	d.ctrlLn.Close()
	return d.monitor.Close()
}

// Metrics returns the daemon's built-in metrics, nil if a custom
// Observer was supplied at construction instead.
func (d *Daemon) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the daemon's
// metrics, or the zero value if no built-in Metrics is in use.
func (d *Daemon) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// selfExePath resolves the path used to re-exec worker subprocesses
// (spec §4.3 spawn). /proc/self/exe is preferred over os.Args[0] since
// it survives argv[0] being relative or PATH-resolved.
func selfExePath() string {
	if link, err := os.Readlink("/proc/self/exe"); err == nil {
		return link
	}
	return os.Args[0]
}
