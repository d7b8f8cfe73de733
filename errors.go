package eventd

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured daemon error with context and errno mapping.
type Error struct {
	Op        string       // Operation that failed (e.g., "dispatch", "spawn")
	Seqnum    uint64       // Event seqnum (0 if not applicable)
	Devpath   string       // Device path (empty if not applicable)
	WorkerPID int          // Worker pid (0 if not applicable)
	Code      EventErrCode // High-level error category
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Seqnum != 0 {
		parts = append(parts, fmt.Sprintf("seqnum=%d", e.Seqnum))
	}
	if e.Devpath != "" {
		parts = append(parts, fmt.Sprintf("devpath=%s", e.Devpath))
	}
	if e.WorkerPID != 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.WorkerPID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("eventd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("eventd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support comparing error codes.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// EventErrCode enumerates the daemon's recovered and fatal error
// categories (spec §7).
type EventErrCode string

const (
	// ErrCodeTransient covers EAGAIN/EINTR from a multiplexed fd,
	// retried at the next wake rather than logged above debug.
	ErrCodeTransient EventErrCode = "transient fd error"
	// ErrCodeMalformedMessage is a dropped control or worker-completion
	// datagram that failed to decode.
	ErrCodeMalformedMessage EventErrCode = "malformed message"
	// ErrCodeWorkerSendFailed means a dispatch write to an idle
	// worker's socket failed; that worker is SIGKILLed and dispatch
	// continues to the next idle worker.
	ErrCodeWorkerSendFailed EventErrCode = "worker send failed"
	// ErrCodeWorkerAbnormalExit is a non-zero-status or signaled
	// worker reap; its event is freed and the raw kernel event is
	// re-broadcast rather than retried.
	ErrCodeWorkerAbnormalExit EventErrCode = "worker abnormal exit"
	// ErrCodeEventTimeout is a per-event hard timeout escalation to
	// SIGKILL, treated as an abnormal exit once reaped.
	ErrCodeEventTimeout EventErrCode = "event timeout"
	// ErrCodeSpawnFailed is a fork/exec failure at dispatch time; the
	// event is left QUEUED for the next scheduling pass.
	ErrCodeSpawnFailed EventErrCode = "spawn failed"
	// ErrCodeStartupFailure is an unrecoverable setup error (socket
	// unbindable, rules unreadable, root missing): fatal.
	ErrCodeStartupFailure EventErrCode = "startup failure"
	// ErrCodeDrainTimeout is a shutdown drain deadline exceeded with
	// workers still outstanding: fatal.
	ErrCodeDrainTimeout EventErrCode = "drain timeout"
)

// NewError creates a new structured error.
func NewError(op string, code EventErrCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewEventError creates a new event-specific error.
func NewEventError(op string, seqnum uint64, devpath string, code EventErrCode, msg string) *Error {
	return &Error{Op: op, Seqnum: seqnum, Devpath: devpath, Code: code, Msg: msg}
}

// NewWorkerError creates a new worker-specific error.
func NewWorkerError(op string, pid int, code EventErrCode, msg string) *Error {
	return &Error{Op: op, WorkerPID: pid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with daemon context, mapping bare
// syscall errnos to the appropriate EventErrCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if de, ok := inner.(*Error); ok {
		return &Error{
			Op: op, Seqnum: de.Seqnum, Devpath: de.Devpath, WorkerPID: de.WorkerPID,
			Code: de.Code, Errno: de.Errno, Msg: de.Msg, Inner: de.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Code: ErrCodeStartupFailure, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps syscall errno to daemon error codes. Per spec §7,
// EAGAIN/EINTR are transient and never logged above debug.
func mapErrnoToCode(errno syscall.Errno) EventErrCode {
	switch errno {
	case syscall.EAGAIN, syscall.EINTR:
		return ErrCodeTransient
	default:
		return ErrCodeStartupFailure
	}
}

// IsTransient reports whether err is a retry-at-next-wake fd condition
// (spec §7: EAGAIN/EINTR, never logged above debug level).
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code EventErrCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
