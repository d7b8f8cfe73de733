package wire

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrTruncatedUevent is returned when a netlink datagram does not contain
// a complete uevent record.
var ErrTruncatedUevent = errors.New("wire: truncated uevent datagram")

// Uevent is a single kernel device-uevent, decoded from the raw
// NUL-delimited netlink payload.
type Uevent struct {
	Action  string
	Devpath string
	Fields  map[string]string
	Raw     []byte
}

// ParseUevent decodes a kernel uevent datagram. The wire grammar is a
// sequence of NUL-terminated strings: the first is "ACTION@DEVPATH",
// every subsequent one (until a trailing empty string) is "KEY=VALUE".
func ParseUevent(raw []byte) (*Uevent, error) {
	parts := bytes.Split(raw, []byte{0})
	if len(parts) == 0 || len(parts[0]) == 0 {
		return nil, ErrTruncatedUevent
	}

	header := string(parts[0])
	at := bytes.IndexByte(parts[0], '@')
	if at < 0 {
		return nil, ErrTruncatedUevent
	}

	ev := &Uevent{
		Action:  header[:at],
		Devpath: header[at+1:],
		Fields:  make(map[string]string, len(parts)-1),
		Raw:     append([]byte(nil), raw...),
	}

	for _, p := range parts[1:] {
		if len(p) == 0 {
			continue
		}
		eq := bytes.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		ev.Fields[string(p[:eq])] = string(p[eq+1:])
	}
	return ev, nil
}

// Seqnum returns the event's SEQNUM field, or 0 if absent/unparseable.
func (e *Uevent) Seqnum() uint64 {
	v, _ := strconv.ParseUint(e.Fields["SEQNUM"], 10, 64)
	return v
}

// DevpathOld returns the rename predecessor devpath, or "" if this is
// not a rename.
func (e *Uevent) DevpathOld() string {
	return e.Fields["DEVPATH_OLD"]
}

// DevnumMajor returns the MAJOR field (0 if absent or not a device node).
func (e *Uevent) DevnumMajor() uint32 {
	v, _ := strconv.ParseUint(e.Fields["MAJOR"], 10, 32)
	return uint32(v)
}

// DevnumMinor returns the MINOR field.
func (e *Uevent) DevnumMinor() uint32 {
	v, _ := strconv.ParseUint(e.Fields["MINOR"], 10, 32)
	return uint32(v)
}

// Ifindex returns the IFINDEX field (0 if absent or not a net device).
func (e *Uevent) Ifindex() int {
	v, _ := strconv.Atoi(e.Fields["IFINDEX"])
	return v
}

// MarshalUevent re-encodes a Uevent back to wire form, which ParseUevent
// reads back the same way it reads a real kernel datagram. Used by tests
// and by internal/monitor to give synthetic devices a raw payload.
func MarshalUevent(ev *Uevent) []byte {
	var buf bytes.Buffer
	buf.WriteString(ev.Action)
	buf.WriteByte('@')
	buf.WriteString(ev.Devpath)
	buf.WriteByte(0)
	for k, v := range ev.Fields {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
