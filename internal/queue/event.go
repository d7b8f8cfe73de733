// Package queue implements the event queue, the busy-dependency
// predicate, and the worker pool: the three data structures the
// supervisor drives every iteration of its multiplex loop.
package queue

import (
	"container/list"
	"time"

	"github.com/coredevd/eventd/internal/interfaces"
)

// State is an Event's lifecycle state.
type State int

const (
	// Queued events are waiting for the scheduler to find them
	// unblocked by the busy predicate.
	Queued State = iota
	// Running events are attached to a Worker actively processing them.
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "QUEUED"
}

// Event is an immutable-after-insert descriptor of one pending device
// event. Ownership: an Event is owned by the EventQueue while Queued,
// and by its attached Worker while Running (see attach in worker.go).
type Event struct {
	Seqnum uint64

	Devpath    string
	DevpathOld string // rename predecessor, "" if this is not a rename

	DevnumMajor, DevnumMinor uint32
	IsBlock                  bool // devnum significance requires DevnumMajor != 0
	Ifindex                  int  // 0 means not significant

	Subsystem string

	// Dev is the full device snapshot; DevKernel is a shallow
	// kernel-only clone forwarded unchanged on worker crash (spec §4.3
	// reap, scenario D).
	Dev       interfaces.Device
	DevKernel interfaces.Device

	State State

	// DelayingSeqnum caches the seqnum of the earliest queued
	// predecessor known to block this event. Monotonically
	// non-decreasing; written only by IsDevpathBusy.
	DelayingSeqnum uint64

	// ArrivalTime is stamped at insertion, used to compute queue wait
	// latency once the event is dispatched.
	ArrivalTime time.Time

	// StartTime and Warned are meaningful only while State == Running.
	StartTime time.Time
	Warned    bool

	// Worker is a non-owning back-reference to the attached Worker,
	// nil unless State == Running.
	Worker *Worker

	elem *list.Element // this Event's node in the owning EventQueue's list
}

// DevnumSignificant reports whether the event's devnum should be
// compared at all (major 0 means "not a device node").
func (e *Event) DevnumSignificant() bool {
	return e.DevnumMajor != 0
}

// IfindexSignificant reports whether the event's ifindex should be
// compared at all.
func (e *Event) IfindexSignificant() bool {
	return e.Ifindex != 0
}

// newEvent builds an Event from a freshly received device, in the
// QUEUED state, with DelayingSeqnum reset to zero.
func newEvent(dev, devKernel interfaces.Device) *Event {
	return &Event{
		Seqnum:      dev.Seqnum(),
		Devpath:     dev.Devpath(),
		DevpathOld:  dev.DevpathOld(),
		DevnumMajor: dev.DevnumMajor(),
		DevnumMinor: dev.DevnumMinor(),
		IsBlock:     dev.IsBlock(),
		Ifindex:     dev.Ifindex(),
		Subsystem:   dev.Subsystem(),
		Dev:         dev,
		DevKernel:   devKernel,
		State:       Queued,
		ArrivalTime: time.Now(),
	}
}
