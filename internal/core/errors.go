package core

import (
	"fmt"
	"runtime"
)

// ErrorKind discriminates the core's error taxonomy. Callers branch on
// Kind rather than parsing messages or comparing sentinel values,
// replacing the exception-hierarchy pattern the original used.
type ErrorKind int

const (
	// KindSerializationConflict: a transaction read a key subsequently
	// written, or observed a phantom in a scanned range.
	KindSerializationConflict ErrorKind = iota + 1
	// KindVersionOutOfOrder: commit called with a non-monotonic version.
	KindVersionOutOfOrder
	// KindBackendIO: underlying storage failed.
	KindBackendIO
	// KindCorruption: value bytes could not be decoded where required.
	KindCorruption
	// KindCancelled: an actor observed cancellation.
	KindCancelled
	// KindNotFound: e.g. an unknown consumer checkpoint id.
	KindNotFound
	// KindInvalidArgument: e.g. reassigning an immutable field, bad
	// range bounds.
	KindInvalidArgument
)

func (k ErrorKind) String() string {
	switch k {
	case KindSerializationConflict:
		return "SerializationConflict"
	case KindVersionOutOfOrder:
		return "VersionOutOfOrder"
	case KindBackendIO:
		return "BackendIO"
	case KindCorruption:
		return "Corruption"
	case KindCancelled:
		return "Cancelled"
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the core's single error type. It captures its call site once,
// at construction, instead of relying on stack unwinding.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	file    string
	line    int
}

func newError(kind ErrorKind, msg string) *Error {
	_, file, line, _ := runtime.Caller(2)
	return &Error{Kind: kind, Message: msg, file: file, line: line}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v (%s:%d)", e.Kind, e.Message, e.Cause, e.file, e.line)
	}
	return fmt.Sprintf("%s: %s (%s:%d)", e.Kind, e.Message, e.file, e.line)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, SerializationConflictError) style checks by
// comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// WithCause attaches an underlying error and returns e for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Constructors. Each wraps runtime.Caller once at the error site.

func NewSerializationConflict(msg string) *Error { return newError(KindSerializationConflict, msg) }
func NewVersionOutOfOrder(msg string) *Error      { return newError(KindVersionOutOfOrder, msg) }
func NewBackendIO(msg string) *Error              { return newError(KindBackendIO, msg) }
func NewCorruption(msg string) *Error             { return newError(KindCorruption, msg) }
func NewCancelled(msg string) *Error              { return newError(KindCancelled, msg) }
func NewNotFound(msg string) *Error               { return newError(KindNotFound, msg) }
func NewInvalidArgument(msg string) *Error        { return newError(KindInvalidArgument, msg) }

// IsKind reports whether err is a *Error of the given kind, unwrapping as
// needed.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
