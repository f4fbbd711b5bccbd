package fsm

import (
	"errors"
	"fmt"
)

// Kind classifies failures returned by the state engine.
type Kind string

const (
	KindInvalidTransition Kind = "invalid_transition"
	KindLeaseConflict     Kind = "lease_conflict"
	KindStorageTransient  Kind = "storage_transient"
	KindStoragePermanent  Kind = "storage_permanent"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation"
	KindTransport         Kind = "transport"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrLeaseConflict     = errors.New("invalid or expired lease")
	ErrConflict          = errors.New("concurrent state modification")
	ErrUnknownFSMType    = errors.New("unknown fsm type")
	ErrStorage           = errors.New("storage failure")
	ErrTransport         = errors.New("event transport failure")
)

// Error is the structured error surfaced to callers. Message is safe to
// return to clients; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// NewError builds a structured error.
func NewError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Errorf builds a structured error with a formatted message and no cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a driver error without leaking its text into Message.
func StorageError(op string, transient bool, cause error) *Error {
	if transient {
		return &Error{Kind: KindStorageTransient, Op: op, Message: "storage temporarily unavailable", Err: cause}
	}
	return &Error{Kind: KindStoragePermanent, Op: op, Message: "storage rejected the operation", Err: cause}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return e.Kind == KindInvalidTransition
	case ErrLeaseConflict:
		return e.Kind == KindLeaseConflict
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrStorage:
		return e.Kind == KindStorageTransient || e.Kind == KindStoragePermanent
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// KindOf returns the kind of err, or "" if err is not a structured error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransient reports whether the caller may retry err with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindStorageTransient, KindConflict:
		return true
	}
	return false
}
