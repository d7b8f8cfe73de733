// Package wire implements the on-the-wire framing for the daemon's
// external collaborators: control-socket messages, the worker
// completion marker, and the kernel uevent datagram grammar.
package wire

import (
	"encoding/binary"
	"errors"
)

// Opcode identifies a control-socket message kind (spec §6).
type Opcode byte

const (
	OpSetLogLevel Opcode = iota + 1
	OpStopExecQueue
	OpStartExecQueue
	OpReload
	OpSetEnv
	OpSetMaxChildren
	OpPing
	OpExit
)

func (o Opcode) String() string {
	switch o {
	case OpSetLogLevel:
		return "SET_LOG_LEVEL"
	case OpStopExecQueue:
		return "STOP_EXEC_QUEUE"
	case OpStartExecQueue:
		return "START_EXEC_QUEUE"
	case OpReload:
		return "RELOAD"
	case OpSetEnv:
		return "SET_ENV"
	case OpSetMaxChildren:
		return "SET_MAX_CHILDREN"
	case OpPing:
		return "PING"
	case OpExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformed is returned for any control message that cannot be
// decoded; callers log and drop per spec §7 (malformed message).
var ErrMalformed = errors.New("wire: malformed control message")

// ControlMessage is a decoded control-socket message. IntArg is used by
// SET_LOG_LEVEL and SET_MAX_CHILDREN; StrArg is used by SET_ENV.
type ControlMessage struct {
	Op     Opcode
	IntArg int32
	StrArg string
}

// MarshalControl encodes a control message as: 1-byte opcode, 4-byte
// little-endian IntArg, then the raw bytes of StrArg (opcode-dependent;
// unused fields are zero/empty).
func MarshalControl(m ControlMessage) []byte {
	buf := make([]byte, 5+len(m.StrArg))
	buf[0] = byte(m.Op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(m.IntArg))
	copy(buf[5:], m.StrArg)
	return buf
}

// UnmarshalControl decodes a control message produced by MarshalControl.
func UnmarshalControl(data []byte) (ControlMessage, error) {
	if len(data) < 5 {
		return ControlMessage{}, ErrMalformed
	}
	op := Opcode(data[0])
	if op < OpSetLogLevel || op > OpExit {
		return ControlMessage{}, ErrMalformed
	}
	m := ControlMessage{
		Op:     op,
		IntArg: int32(binary.LittleEndian.Uint32(data[1:5])),
	}
	if len(data) > 5 {
		m.StrArg = string(data[5:])
	}
	return m, nil
}

// WorkerMarkerSize is the fixed payload size of the worker-completion
// datagram: zero bytes. The message carries no data of its own; the
// sender's pid is delivered out-of-band via SCM_CREDENTIALS.
const WorkerMarkerSize = 0

// MarshalWorkerMarker returns the (empty) worker-completion payload.
func MarshalWorkerMarker() []byte {
	return []byte{}
}

// ValidWorkerMarker reports whether a received datagram has the agreed
// marker length. A worker datagram with any other length is malformed
// and must be dropped (spec §4.5).
func ValidWorkerMarker(data []byte) bool {
	return len(data) == WorkerMarkerSize
}
