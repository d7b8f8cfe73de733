package wire

import "testing"

func TestControlRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ControlMessage
	}{
		{"set log level", ControlMessage{Op: OpSetLogLevel, IntArg: 3}},
		{"stop exec queue", ControlMessage{Op: OpStopExecQueue}},
		{"start exec queue", ControlMessage{Op: OpStartExecQueue}},
		{"reload", ControlMessage{Op: OpReload}},
		{"set env kv", ControlMessage{Op: OpSetEnv, StrArg: "FOO=bar"}},
		{"set env unset", ControlMessage{Op: OpSetEnv, StrArg: "FOO"}},
		{"set max children", ControlMessage{Op: OpSetMaxChildren, IntArg: 16}},
		{"ping", ControlMessage{Op: OpPing}},
		{"exit", ControlMessage{Op: OpExit}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := MarshalControl(tt.msg)
			decoded, err := UnmarshalControl(encoded)
			if err != nil {
				t.Fatalf("UnmarshalControl() error = %v", err)
			}
			if decoded.Op != tt.msg.Op {
				t.Errorf("Op = %v, want %v", decoded.Op, tt.msg.Op)
			}
			if decoded.IntArg != tt.msg.IntArg {
				t.Errorf("IntArg = %d, want %d", decoded.IntArg, tt.msg.IntArg)
			}
			if decoded.StrArg != tt.msg.StrArg {
				t.Errorf("StrArg = %q, want %q", decoded.StrArg, tt.msg.StrArg)
			}
		})
	}
}

func TestUnmarshalControlMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte{1, 2, 3}},
		{"unknown opcode", []byte{0xff, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalControl(tt.data); err != ErrMalformed {
				t.Errorf("UnmarshalControl() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestValidWorkerMarker(t *testing.T) {
	if !ValidWorkerMarker(MarshalWorkerMarker()) {
		t.Error("MarshalWorkerMarker() output should be a valid marker")
	}
	if ValidWorkerMarker([]byte{1}) {
		t.Error("non-empty payload should not be a valid marker")
	}
}

func TestParseUevent(t *testing.T) {
	raw := []byte("add@/devices/pci0000:00/0000:00:01.0/sda\x00ACTION=add\x00DEVPATH=/devices/pci0000:00/0000:00:01.0/sda\x00SUBSYSTEM=block\x00SEQNUM=10\x00MAJOR=8\x00MINOR=0\x00\x00")

	ev, err := ParseUevent(raw)
	if err != nil {
		t.Fatalf("ParseUevent() error = %v", err)
	}
	if ev.Action != "add" {
		t.Errorf("Action = %q, want add", ev.Action)
	}
	if ev.Devpath != "/devices/pci0000:00/0000:00:01.0/sda" {
		t.Errorf("Devpath = %q", ev.Devpath)
	}
	if ev.Seqnum() != 10 {
		t.Errorf("Seqnum() = %d, want 10", ev.Seqnum())
	}
	if ev.DevnumMajor() != 8 || ev.DevnumMinor() != 0 {
		t.Errorf("devnum = %d:%d, want 8:0", ev.DevnumMajor(), ev.DevnumMinor())
	}
	if ev.Fields["SUBSYSTEM"] != "block" {
		t.Errorf("SUBSYSTEM = %q, want block", ev.Fields["SUBSYSTEM"])
	}
}

func TestParseUeventRename(t *testing.T) {
	raw := []byte("move@/devices/.../eth0\x00ACTION=move\x00DEVPATH=/devices/.../eth0\x00DEVPATH_OLD=/devices/.../eth1\x00IFINDEX=3\x00\x00")

	ev, err := ParseUevent(raw)
	if err != nil {
		t.Fatalf("ParseUevent() error = %v", err)
	}
	if ev.DevpathOld() != "/devices/.../eth1" {
		t.Errorf("DevpathOld() = %q", ev.DevpathOld())
	}
	if ev.Ifindex() != 3 {
		t.Errorf("Ifindex() = %d, want 3", ev.Ifindex())
	}
}

func TestParseUeventTruncated(t *testing.T) {
	if _, err := ParseUevent(nil); err != ErrTruncatedUevent {
		t.Errorf("error = %v, want ErrTruncatedUevent", err)
	}
	if _, err := ParseUevent([]byte("no-at-sign")); err != ErrTruncatedUevent {
		t.Errorf("error = %v, want ErrTruncatedUevent", err)
	}
}

func TestMarshalUeventRoundTrip(t *testing.T) {
	ev := &Uevent{
		Action:  "change",
		Devpath: "/devices/.../sda",
		Fields:  map[string]string{"SEQNUM": "42", "SUBSYSTEM": "block"},
	}
	reparsed, err := ParseUevent(MarshalUevent(ev))
	if err != nil {
		t.Fatalf("ParseUevent() error = %v", err)
	}
	if reparsed.Action != ev.Action || reparsed.Devpath != ev.Devpath {
		t.Errorf("round trip mismatch: %+v", reparsed)
	}
	if reparsed.Seqnum() != 42 {
		t.Errorf("Seqnum() = %d, want 42", reparsed.Seqnum())
	}
}
