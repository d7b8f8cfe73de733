package eventd

import (
	"context"
	"errors"
	"testing"

	"github.com/coredevd/eventd/internal/interfaces"
)

func TestMockRuleEngine_RecordsAppliedDevpaths(t *testing.T) {
	eng := NewMockRuleEngine(nil)
	dev := &fakeDevice{devpath: "/devices/virtual/block/loop0"}

	if err := eng.Apply(context.Background(), dev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := eng.Applied(); len(got) != 1 || got[0] != dev.devpath {
		t.Fatalf("Applied() = %v, want [%s]", got, dev.devpath)
	}
}

func TestMockRuleEngine_PropagatesConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	eng := NewMockRuleEngine(wantErr)
	if err := eng.Apply(context.Background(), &fakeDevice{}); err != wantErr {
		t.Fatalf("Apply() error = %v, want %v", err, wantErr)
	}
}

func TestMockLogger_RecordsCallsByLevel(t *testing.T) {
	l := &MockLogger{}
	l.Info("hello", "k", "v")
	l.Warn("careful")
	l.Error("broken", "err", errors.New("x"))

	lines := l.Lines()
	if len(lines) != 3 {
		t.Fatalf("Lines() = %d entries, want 3", len(lines))
	}
	if lines[0].Level != "info" || lines[0].Msg != "hello" {
		t.Fatalf("first line = %+v, want level=info msg=hello", lines[0])
	}
	if lines[2].Level != "error" {
		t.Fatalf("third line level = %s, want error", lines[2].Level)
	}
}

type fakeDevice struct{ devpath string }

func (d *fakeDevice) Seqnum() uint64      { return 0 }
func (d *fakeDevice) Action() string      { return "add" }
func (d *fakeDevice) Devpath() string     { return d.devpath }
func (d *fakeDevice) DevpathOld() string  { return "" }
func (d *fakeDevice) Subsystem() string   { return "block" }
func (d *fakeDevice) Devtype() string     { return "" }
func (d *fakeDevice) Sysname() string     { return "loop0" }
func (d *fakeDevice) Devnode() string     { return "" }
func (d *fakeDevice) DevnumMajor() uint32 { return 0 }
func (d *fakeDevice) DevnumMinor() uint32 { return 0 }
func (d *fakeDevice) IsBlock() bool       { return true }
func (d *fakeDevice) Ifindex() int        { return 0 }
func (d *fakeDevice) Raw() []byte         { return nil }

var _ interfaces.Device = (*fakeDevice)(nil)
