package queue

import (
	"container/list"
	"errors"

	"github.com/coredevd/eventd/internal/interfaces"
)

// ErrQueueOOM names insertion's out-of-memory failure for callers that
// want to treat insertion as fallible (spec §4.1). Insert itself never
// returns it: Go's allocator panics rather than returning an error on
// OOM, and Insert's only error is the one from the marker's Touch.
var ErrQueueOOM = errors.New("queue: out of memory")

// Marker is the externally-visible queue-non-empty side effect (spec
// §6: /run/udev/queue). EventQueue calls Touch when it transitions from
// empty to non-empty and Remove when it transitions back to empty.
type Marker interface {
	Touch() error
	Remove() error
}

// noopMarker is used when no Marker is configured, e.g. in unit tests
// that do not care about the filesystem side effect.
type noopMarker struct{}

func (noopMarker) Touch() error  { return nil }
func (noopMarker) Remove() error { return nil }

// CleanupFilter selects which Events Cleanup removes.
type CleanupFilter int

const (
	// FilterAll matches every Event regardless of state.
	FilterAll CleanupFilter = iota
	// FilterQueued matches only Events in the Queued state.
	FilterQueued
)

// EventQueue is the ordered sequence of pending device Events. It is
// touched only by the supervisor goroutine; per spec §5 it needs no
// internal locking.
type EventQueue struct {
	list   *list.List
	marker Marker
}

// NewEventQueue creates an empty queue. A nil marker installs a no-op
// marker (useful for tests).
func NewEventQueue(marker Marker) *EventQueue {
	if marker == nil {
		marker = noopMarker{}
	}
	return &EventQueue{list: list.New(), marker: marker}
}

// Len returns the number of Events currently in the queue.
func (q *EventQueue) Len() int {
	return q.list.Len()
}

// Insert appends a new Event built from dev (the full device) and
// devKernel (its shallow kernel-only clone), preserving arrival order.
// Touches the external marker if the queue was previously empty.
func (q *EventQueue) Insert(dev, devKernel interfaces.Device) (*Event, error) {
	wasEmpty := q.list.Len() == 0

	ev := newEvent(dev, devKernel)
	ev.elem = q.list.PushBack(ev)

	if wasEmpty {
		if err := q.marker.Touch(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Iter returns the Events currently in the queue, in insertion order.
// The busy predicate relies on this order; callers must not mutate the
// queue while iterating the returned slice.
func (q *EventQueue) Iter() []*Event {
	events := make([]*Event, 0, q.list.Len())
	for e := q.list.Front(); e != nil; e = e.Next() {
		events = append(events, e.Value.(*Event))
	}
	return events
}

// Remove unlinks event from the queue in O(1), releases its device
// snapshots, and detaches it from its Worker if any. Removes the
// external marker if the queue becomes empty.
func (q *EventQueue) Remove(event *Event) error {
	if event.elem != nil {
		q.list.Remove(event.elem)
		event.elem = nil
	}
	if event.Worker != nil {
		event.Worker.event = nil
		event.Worker = nil
	}
	event.Dev = nil
	event.DevKernel = nil

	if q.list.Len() == 0 {
		return q.marker.Remove()
	}
	return nil
}

// Cleanup removes every Event matching filter, used during the
// phase-transition shutdown step (spec §4.4 step 1: "cancel all QUEUED
// events").
func (q *EventQueue) Cleanup(filter CleanupFilter) error {
	var next *list.Element
	for e := q.list.Front(); e != nil; e = next {
		next = e.Next()
		ev := e.Value.(*Event)
		if filter == FilterAll || ev.State == Queued {
			if err := q.Remove(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
