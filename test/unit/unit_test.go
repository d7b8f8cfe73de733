//go:build !integration

// Package unit exercises the daemon's pure component behavior:
// properties that don't need a real netlink socket, root, or spawned
// worker processes.
package unit

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredevd/eventd"
	"github.com/coredevd/eventd/internal/config"
	"github.com/coredevd/eventd/internal/monitor"
	"github.com/coredevd/eventd/internal/queue"
)

// target builds a not-yet-queued *queue.Event via a throwaway
// EventQueue, for exercising IsDevpathBusy against an independent
// "already queued" list.
func target(action, devpath string, fields map[string]string) *queue.Event {
	d := monitor.NewSynthetic(action, devpath, fields)
	q := queue.NewEventQueue(nil)
	ev, err := q.Insert(d, d)
	if err != nil {
		panic(err)
	}
	return ev
}

// Scenario A: parent/child serialization. A child devpath is busy while
// its parent is still queued.
func TestScenarioA_ParentChildSerialization(t *testing.T) {
	earlier := queue.NewEventQueue(nil)
	parent := monitor.NewSynthetic("add", "/devices/pci0000:00/.../sda", map[string]string{"SEQNUM": "10"})
	parentEvent, err := earlier.Insert(parent, parent)
	require.NoError(t, err)

	child := target("add", "/devices/pci0000:00/.../sda/sda1", map[string]string{"SEQNUM": "11"})

	busy := queue.IsDevpathBusy(child, earlier.Iter())
	assert.True(t, busy, "child devpath should be busy while parent is still queued")
	assert.Equal(t, parentEvent.Seqnum, child.DelayingSeqnum)
}

// Scenario B: disjoint devpaths never block each other.
func TestScenarioB_DisjointParallelism(t *testing.T) {
	earlier := queue.NewEventQueue(nil)
	a := monitor.NewSynthetic("add", "/devices/pci0000:00/.../sda", map[string]string{"SEQNUM": "20"})
	_, err := earlier.Insert(a, a)
	require.NoError(t, err)

	b := target("add", "/devices/pci0000:00/.../sdb", map[string]string{"SEQNUM": "21"})

	busy := queue.IsDevpathBusy(b, earlier.Iter())
	assert.False(t, busy, "disjoint devpaths must dispatch concurrently")
}

// Scenario C: a rename targeting an already-queued devpath is blocked
// by that earlier event, identified by its seqnum.
func TestScenarioC_RenameCollision(t *testing.T) {
	earlier := queue.NewEventQueue(nil)
	existing := monitor.NewSynthetic("add", "/devices/.../eth0", map[string]string{"SEQNUM": "30"})
	existingEvent, err := earlier.Insert(existing, existing)
	require.NoError(t, err)

	rename := target("move", "/devices/.../eth1", map[string]string{
		"SEQNUM":      "31",
		"DEVPATH_OLD": "/devices/.../eth0",
	})

	busy := queue.IsDevpathBusy(rename, earlier.Iter())
	assert.True(t, busy, "rename colliding with an earlier queued devpath must be busy")
	assert.Equal(t, existingEvent.Seqnum, rename.DelayingSeqnum)
}

// Invariant 3: events are ordered by increasing seqnum as inserted.
func TestEventQueue_OrderedBySeqnum(t *testing.T) {
	q := queue.NewEventQueue(nil)
	for _, n := range []string{"5", "6", "7"} {
		d := monitor.NewSynthetic("add", "/devices/virtual/block/loop"+n, map[string]string{"SEQNUM": n})
		_, err := q.Insert(d, d)
		require.NoError(t, err)
	}

	events := q.Iter()
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seqnum, events[i].Seqnum)
	}
}

// Invariant 5: |pool| <= children_max at all times.
func TestWorkerPool_NeverExceedsChildrenMax(t *testing.T) {
	pool, err := queue.NewWorkerPool(queue.WorkerPoolConfig{ChildrenMax: 2, SelfExe: "/bin/true"})
	require.NoError(t, err)
	defer pool.KillAll()

	q := queue.NewEventQueue(nil)
	for _, n := range []string{"1", "2", "3"} {
		d := monitor.NewSynthetic("add", "/devices/virtual/block/loop"+n, map[string]string{"SEQNUM": n})
		ev, err := q.Insert(d, d)
		require.NoError(t, err)
		pool.Dispatch(ev, []byte("payload"))
	}

	assert.LessOrEqual(t, pool.Len(), 2, "worker pool must never exceed children_max")
}

func TestConfig_CmdlineThenFlagPriority(t *testing.T) {
	cfg := config.ParseCmdline(config.Default(), "udev.children_max=8 udev.event_timeout=45")
	assert.Equal(t, 8, cfg.ChildrenMax)
	assert.Equal(t, 45*time.Second, cfg.EventTimeout)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"-children-max=12"}))
	assert.Equal(t, 12, cfg.ChildrenMax, "explicit flag wins over cmdline")
	assert.Equal(t, 45*time.Second, cfg.EventTimeout, "cmdline value survives when no flag overrides it")
}

func TestErrors_CodeRoundTrip(t *testing.T) {
	err := eventd.NewEventError("dispatch", 99, "/devices/x", eventd.ErrCodeEventTimeout, "timed out")
	assert.True(t, eventd.IsCode(err, eventd.ErrCodeEventTimeout))
	assert.False(t, eventd.IsTransient(err))
}

func TestMetrics_SnapshotReflectsObservedEvents(t *testing.T) {
	m := eventd.NewMetrics()
	obs := eventd.NewMetricsObserver(m)

	obs.ObserveEventQueued(1)
	obs.ObserveEventDispatched(10_000)
	obs.ObserveEventCompleted(20_000)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.EventsQueued)
	assert.EqualValues(t, 1, snap.EventsDispatched)
	assert.EqualValues(t, 1, snap.EventsCompleted)
}
