package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies a lifecycle failure
type Kind string

const (
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindRemoteUnreachable    Kind = "remote_unreachable"
	KindExecutableMissing    Kind = "executable_missing"
	KindStartFailed          Kind = "start_failed"
	KindAlreadyActive        Kind = "already_active"
	KindUnknown              Kind = "unknown"
)

// Sentinels matched with errors.Is against any *Error of the same kind
var (
	ErrInvalidConfiguration = errors.New("invalid node configuration")
	ErrRemoteUnreachable    = errors.New("remote node unreachable")
	ErrExecutableMissing    = errors.New("worker executable missing")
	ErrStartFailed          = errors.New("worker start failed")
	ErrAlreadyActive        = errors.New("node already active")
	ErrUnknown              = errors.New("unknown lifecycle failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidConfiguration:
		return ErrInvalidConfiguration
	case KindRemoteUnreachable:
		return ErrRemoteUnreachable
	case KindExecutableMissing:
		return ErrExecutableMissing
	case KindStartFailed:
		return ErrStartFailed
	case KindAlreadyActive:
		return ErrAlreadyActive
	}
	return ErrUnknown
}

// Retryable reports whether a caller-level retry may succeed without operator action
func (k Kind) Retryable() bool {
	return k == KindRemoteUnreachable
}

// Error is a classified lifecycle failure for one node
type Error struct {
	Kind   Kind
	NodeID int64
	Op     string // step that failed: validate, connect, checksum, mkdir, start
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("node %d: %s: %s", e.NodeID, e.Op, e.Kind.sentinel())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newError(kind Kind, nodeID int64, op string, err error) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Op: op, Err: err}
}

// KindOf returns the kind of a lifecycle error, KindUnknown for anything else
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return KindUnknown
}
