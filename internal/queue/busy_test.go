package queue

import "testing"

func TestIsDevpathBusy_IdenticalDevpath(t *testing.T) {
	blocker := &Event{Seqnum: 1, Devpath: "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda"}
	e := &Event{Seqnum: 2, Devpath: blocker.Devpath}

	if !IsDevpathBusy(e, []*Event{blocker, e}) {
		t.Fatalf("expected busy: identical devpath re-queued while predecessor pending")
	}
	if e.DelayingSeqnum != blocker.Seqnum {
		t.Fatalf("DelayingSeqnum = %d, want %d", e.DelayingSeqnum, blocker.Seqnum)
	}
}

func TestIsDevpathBusy_ParentChild(t *testing.T) {
	parent := &Event{Seqnum: 1, Devpath: "/devices/pci0000:00/0000:00:1f.2"}
	child := &Event{Seqnum: 2, Devpath: "/devices/pci0000:00/0000:00:1f.2/ata1"}

	if !IsDevpathBusy(child, []*Event{parent, child}) {
		t.Fatalf("expected busy: child devpath under a pending parent")
	}
}

func TestIsDevpathBusy_UnrelatedSiblingPrefix(t *testing.T) {
	a := &Event{Seqnum: 1, Devpath: "/devices/pci0000:00/0000:00:1f.2"}
	b := &Event{Seqnum: 2, Devpath: "/devices/pci0000:00/0000:00:1f.20"}

	if IsDevpathBusy(b, []*Event{a, b}) {
		t.Fatalf("siblings sharing a byte-wise prefix but not a path boundary must not block")
	}
}

func TestIsDevpathBusy_SameDevnum(t *testing.T) {
	a := &Event{Seqnum: 1, Devpath: "/devices/virtual/block/loop0", DevnumMajor: 7, DevnumMinor: 0, IsBlock: true}
	b := &Event{Seqnum: 2, Devpath: "/devices/virtual/block/loop0-renamed", DevnumMajor: 7, DevnumMinor: 0, IsBlock: true}

	if !IsDevpathBusy(b, []*Event{a, b}) {
		t.Fatalf("expected busy: same block devnum pending under a different devpath")
	}
}

func TestIsDevpathBusy_SameIfindex(t *testing.T) {
	a := &Event{Seqnum: 1, Devpath: "/devices/virtual/net/eth0", Ifindex: 4}
	b := &Event{Seqnum: 2, Devpath: "/devices/virtual/net/eth0-renamed", Ifindex: 4}

	if !IsDevpathBusy(b, []*Event{a, b}) {
		t.Fatalf("expected busy: same ifindex pending under a different devpath")
	}
}

func TestIsDevpathBusy_RenameCollision(t *testing.T) {
	renamer := &Event{Seqnum: 1, Devpath: "/devices/virtual/net/eth1"}
	collider := &Event{Seqnum: 2, Devpath: "/devices/virtual/net/eth2", DevpathOld: "/devices/virtual/net/eth1"}

	if !IsDevpathBusy(collider, []*Event{renamer, collider}) {
		t.Fatalf("expected busy: devpath_old collides with another pending event's current devpath")
	}
}

func TestIsDevpathBusy_Unrelated(t *testing.T) {
	a := &Event{Seqnum: 1, Devpath: "/devices/virtual/net/eth0"}
	b := &Event{Seqnum: 2, Devpath: "/devices/virtual/block/sda"}

	if IsDevpathBusy(b, []*Event{a, b}) {
		t.Fatalf("unrelated devpaths with no devnum/ifindex/rename overlap must not block")
	}
}

func TestIsDevpathBusy_MemoizationSkipsProvenClear(t *testing.T) {
	cleared := &Event{Seqnum: 1, Devpath: "/devices/virtual/net/eth0"}
	blocker := &Event{Seqnum: 2, Devpath: "/devices/virtual/block/sda"}
	e := &Event{Seqnum: 3, Devpath: "/devices/virtual/block/sda", DelayingSeqnum: 2}

	queued := []*Event{cleared, blocker, e}
	if !IsDevpathBusy(e, queued) {
		t.Fatalf("expected busy: memoized blocker still present")
	}

	// Once the blocker is removed, the walk still starts past `cleared`
	// since DelayingSeqnum remembers blocker.Seqnum, not cleared's.
	e.DelayingSeqnum = 2
	queued = []*Event{cleared, e}
	if IsDevpathBusy(e, queued) {
		t.Fatalf("expected clear once the memoized blocker left the queue")
	}
}

func TestIsDevpathBusy_StopsAtSelf(t *testing.T) {
	e := &Event{Seqnum: 1, Devpath: "/devices/virtual/block/sda"}
	later := &Event{Seqnum: 2, Devpath: "/devices/virtual/block/sda"}

	if IsDevpathBusy(e, []*Event{e, later}) {
		t.Fatalf("an event queued after the target must never block it")
	}
}
