// Package fault classifies the errors telescope can produce.
//
// Every error returned across a package boundary falls into one of three kinds:
//
//   - Transient: the target could not be read right now (lock contention, a
//     collection in progress, an I/O failure). The same request may succeed
//     later.
//   - Structural: the request or the code being interpreted is malformed, or
//     the object graph violates an invariant. Retrying will not help.
//   - Host: a failure inside telescope or a host-bridged method.
//
// Guest exceptions are not errors; they are reported as values by the
// interpreter.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the classification of an error.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Structural
	Host
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Structural:
		return "structural"
	case Host:
		return "host"
	default:
		return "unknown"
	}
}

// sentinel is a classified error value that callers compare against with errors.Is.
type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

// Kind returns the classification of the sentinel.
func (s *sentinel) Kind() Kind { return s.kind }

func newSentinel(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

// Transient sentinels.
var (
	ErrVMBusy       = newSentinel(Transient, "target VM is busy")
	ErrGCInProgress = newSentinel(Transient, "garbage collection in progress")
	ErrIO           = newSentinel(Transient, "target I/O failure")
	ErrTerminated   = newSentinel(Transient, "target process terminated")
	ErrUnmapped     = newSentinel(Transient, "address not mapped in target")
)

// Structural sentinels.
var (
	ErrInvalidOrigin         = newSentinel(Structural, "invalid object origin")
	ErrNotLive               = newSentinel(Structural, "reference is not live")
	ErrClassNotFound         = newSentinel(Structural, "class not found")
	ErrNoSuchField           = newSentinel(Structural, "no such field")
	ErrNoSuchMethod          = newSentinel(Structural, "no such method")
	ErrUnsupportedOpcode     = newSentinel(Structural, "unsupported opcode")
	ErrBadBytecode           = newSentinel(Structural, "malformed bytecode")
	ErrRemoteWrite           = newSentinel(Structural, "cannot interpret pointer writes remotely")
	ErrReentrantConstruction = newSentinel(Structural, "re-entrant surrogate construction")
	ErrEpochRegression       = newSentinel(Structural, "GC epoch went backwards")
	ErrNoTarget              = newSentinel(Structural, "no target attached")
	ErrBadArgument           = newSentinel(Structural, "malformed argument")
)

// hostError marks an error raised by host code.
type hostError struct {
	cause error
}

func (h *hostError) Error() string { return h.cause.Error() }
func (h *hostError) Unwrap() error { return h.cause }
func (h *hostError) Cause() error  { return h.cause }

// Transientf wraps a transient sentinel with context and a stack trace.
func Transientf(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}

// Structuralf wraps a structural sentinel with context and a stack trace.
func Structuralf(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}

// Wrap attaches context to any classified error, keeping its kind.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// HostError classifies err as a host fault, adding context and a stack trace.
// An error that is already classified keeps its original kind.
func HostError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return errors.Wrapf(err, format, args...)
	}
	return &hostError{cause: errors.Wrapf(err, format, args...)}
}

// HostPanic converts a recovered panic value into a host fault.
func HostPanic(r interface{}, format string, args ...interface{}) error {
	if err, ok := r.(error); ok {
		return HostError(err, format, args...)
	}
	return &hostError{cause: errors.Errorf("%s: panic: %v", fmt.Sprintf(format, args...), r)}
}

// KindOf returns the classification of err, or Unknown for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	var h *hostError
	if errors.As(err, &h) {
		return Host
	}
	return Unknown
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsStructural reports whether err describes a malformed request or graph.
func IsStructural(err error) bool {
	return KindOf(err) == Structural
}

// IsHost reports whether err was raised by host code. Unclassified errors are
// treated as host faults.
func IsHost(err error) bool {
	k := KindOf(err)
	return k == Host || (err != nil && k == Unknown)
}
