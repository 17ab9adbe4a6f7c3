// Package errs defines the error taxonomy shared by the flash file system
// and the syscall boundary.
//
// Every kind maps to both a single ABI status byte (spec.md §7) and a
// google.golang.org/grpc/codes.Code, following the same status-plus-code
// pattern the persistence layer uses for its NotFound/IntegrityError style
// conditions.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies one of the error classes named in spec.md §7.
type Kind uint8

const (
	// OK is not an error; it is the zero status byte.
	OK Kind = iota
	// DeviceError means a flash read/write/erase failed or the device's
	// sticky error flag was set.
	DeviceError
	// NotFound means the tag is absent from the index.
	NotFound
	// NoSpace means that even after defragmentation no sector has enough
	// contiguous erased tail.
	NoSpace
	// InvalidArgument means a tag length, buffer size or pointer range
	// failed validation before anything was touched.
	InvalidArgument
	// IntegrityError means a scan found a state not resolvable by the
	// two-Valid-blocks tie-break.
	IntegrityError
	// ContextFault means unprivileged code violated the MPU or executed
	// an illegal instruction.
	ContextFault
)

var names = map[Kind]string{
	OK:               "ok",
	DeviceError:      "device error",
	NotFound:         "not found",
	NoSpace:          "no space",
	InvalidArgument:  "invalid argument",
	IntegrityError:   "integrity error",
	ContextFault:     "context fault",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("errs.Kind(%d)", uint8(k))
}

// StatusByte returns the ABI status byte for k. 0 means success.
func (k Kind) StatusByte() byte {
	return byte(k)
}

// KindFromStatusByte recovers a Kind from an ABI status byte received
// across the argument buffer. Unknown values collapse to IntegrityError,
// since a byte the dispatcher never emitted indicates something is wrong
// with the channel itself, not with a particular operation.
func KindFromStatusByte(b byte) Kind {
	k := Kind(b)
	if _, ok := names[k]; !ok {
		return IntegrityError
	}
	return k
}

// Code maps k onto the closest grpc status code, so that higher layers
// (metrics labels, logs) can use the same small vocabulary the rest of the
// stack already speaks.
func (k Kind) Code() codes.Code {
	switch k {
	case OK:
		return codes.OK
	case DeviceError:
		return codes.Unavailable
	case NotFound:
		return codes.NotFound
	case NoSpace:
		return codes.ResourceExhausted
	case InvalidArgument:
		return codes.InvalidArgument
	case IntegrityError:
		return codes.DataLoss
	case ContextFault:
		return codes.PermissionDenied
	default:
		return codes.Unknown
	}
}

// Error is a Kind bundled with a free-form message, implementing the error
// interface so that it composes with the rest of the Go error ecosystem
// (errors.As / errors.Is via Kind()).
type Error struct {
	kind Kind
	msg  string
}

// New creates an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{kind: k, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.msg) }

// Kind returns the error's class.
func (e *Error) Kind() Kind { return e.kind }

// Status converts e into a grpc status error, for components (syscall
// dispatch logging, metrics) that want the standard codes vocabulary.
func (e *Error) Status() error {
	return status.Error(e.kind.Code(), e.msg)
}

// As reports whether err (or something it wraps) is an *Error of kind k.
func As(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == k
}

// KindOf extracts the Kind of err, defaulting to IntegrityError for errors
// that did not originate in this package — an error this package did not
// classify reaching the syscall boundary is itself a bug in the kernel.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.kind
	}
	return IntegrityError
}
