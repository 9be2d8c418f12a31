// Package broker implements the overlay routing fabric, life-cycle
// state machine, groups subsystem, PMI bootstrap exchange, and
// content/checkpoint RPC contract that make up a Flux-style broker's
// central runtime.
package broker

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the closed set of error codes carried on the wire (§7).
type ErrorKind int

const (
	_ ErrorKind = iota
	ErrProtocol
	ErrMethodNotFound
	ErrPermission
	ErrTimeout
	ErrNotFound
	ErrAlreadyMember
	ErrNotMember
	ErrPeerUnreachable
	ErrModuleGone
	ErrNoData
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrProtocol:
		return "PROTOCOL"
	case ErrMethodNotFound:
		return "METHOD_NOT_FOUND"
	case ErrPermission:
		return "PERMISSION"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrAlreadyMember:
		return "ALREADY_MEMBER"
	case ErrNotMember:
		return "NOT_MEMBER"
	case ErrPeerUnreachable:
		return "PEER_UNREACHABLE"
	case ErrModuleGone:
		return "MODULE_GONE"
	case ErrNoData:
		return "NO_DATA"
	case ErrInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// WireError is a (kind, text) pair as carried in a Message's error field.
type WireError struct {
	Kind ErrorKind
	Text string
}

func (e *WireError) Error() string {
	if e.Text == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// NewError wraps kind with call-site context via github.com/pkg/errors,
// preserving the *WireError as the Cause so router/service code can
// recover the kind with AsKind regardless of how many times the error
// was wrapped on its way up the call stack.
func NewError(kind ErrorKind, format string, args ...any) error {
	we := &WireError{Kind: kind, Text: fmt.Sprintf(format, args...)}
	return errors.WithStack(we)
}

// AsKind extracts the ErrorKind from err, defaulting to ErrInternal if
// err was not produced by NewError.
func AsKind(err error) ErrorKind {
	if err == nil {
		return 0
	}
	if we, ok := errors.Cause(err).(*WireError); ok {
		return we.Kind
	}
	return ErrInternal
}

func AsWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := errors.Cause(err).(*WireError); ok {
		return we
	}
	return &WireError{Kind: ErrInternal, Text: err.Error()}
}
