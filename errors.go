package walb

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured walb error, carrying the operation, the
// lsid in flight (if any), a high-level code, and the underlying cause.
type Error struct {
	Op    string    // Operation that failed (e.g., "attach", "submit", "redo")
	Lsid  uint64    // lsid associated with the failure (0 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Lsid != 0 {
		parts = append(parts, fmt.Sprintf("lsid=%d", e.Lsid))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("walb: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("walb: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error taxonomy for the engine's public API.
type ErrorCode string

const (
	// CodeBadFormat means an on-disk structure (super sector, logpack
	// header, wlog stream header) failed its checksum or self-consistency
	// check.
	CodeBadFormat ErrorCode = "bad format"
	// CodeIoFailure means a read or write against an underlying device
	// returned an error.
	CodeIoFailure ErrorCode = "i/o failure"
	// CodeLogOverflow means the ring buffer wrapped onto oldest_lsid
	// before it could be retired; the device is now read-only.
	CodeLogOverflow ErrorCode = "log overflow"
	// CodeInvalidArg means a caller-supplied parameter failed validation.
	CodeInvalidArg ErrorCode = "invalid argument"
	// CodeTransient means the operation should be retried, e.g. admission
	// backpressure timed out.
	CodeTransient ErrorCode = "transient"
	// CodeState means the operation is not valid in the engine's current
	// state (e.g. attach on an already-attached device, melt while not
	// frozen).
	CodeState ErrorCode = "invalid state"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewLsidError creates a structured error tagged with the lsid in flight.
func NewLsidError(op string, lsid uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Lsid: lsid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with walb context, mapping syscall
// errnos to an ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if we, ok := inner.(*Error); ok {
		return &Error{Op: op, Lsid: we.Lsid, Code: we.Code, Errno: we.Errno, Msg: we.Msg, Inner: we.Inner}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}

	return &Error{Op: op, Code: CodeIoFailure, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArg
	case syscall.ENOSPC, syscall.ENOMEM, syscall.EBUSY, syscall.EAGAIN:
		return CodeTransient
	default:
		return CodeIoFailure
	}
}

// IsCode checks whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var walbErr *Error
	if errors.As(err, &walbErr) {
		return walbErr.Code == code
	}
	return false
}

// IsErrno checks whether err (or any error it wraps) carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var walbErr *Error
	if errors.As(err, &walbErr) {
		return walbErr.Errno == errno
	}
	return false
}
