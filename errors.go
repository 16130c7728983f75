package arena

import (
	"errors"
	"fmt"
)

// FaultKind classifies failures by how the client recovers from them.
type FaultKind string

const (
	// FaultTransport covers disconnects and handshake timeouts. These are
	// recovered automatically by reconnect plus re-authentication.
	FaultTransport FaultKind = "transport"
	// FaultProtocol covers malformed or incomplete inbound payloads. The
	// offending event is rejected and the last known-good state kept.
	FaultProtocol FaultKind = "protocol"
	// FaultAction covers server rejections of a local action.
	FaultAction FaultKind = "action"
	// FaultFatal covers configuration errors with no retry path.
	FaultFatal FaultKind = "fatal"
)

// Error is the package error type. It carries the fault kind so callers
// can decide between retrying, surfacing a transient message, or blocking.
type Error struct {
	Kind    FaultKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func transportErr(message string, cause error) *Error {
	return &Error{Kind: FaultTransport, Message: message, cause: cause}
}

func protocolErr(format string, args ...interface{}) *Error {
	return &Error{Kind: FaultProtocol, Message: fmt.Sprintf(format, args...)}
}

func actionErr(format string, args ...interface{}) *Error {
	return &Error{Kind: FaultAction, Message: fmt.Sprintf(format, args...)}
}

func fatalErr(format string, args ...interface{}) *Error {
	return &Error{Kind: FaultFatal, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the fault kind from any error produced by this package.
// Unknown errors are treated as transport faults, the recoverable default.
func KindOf(err error) FaultKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FaultTransport
}

var (
	// ErrConnectionTimeout is returned when the transport-level hello does
	// not arrive within the configured connect timeout.
	ErrConnectionTimeout = transportErr("timed out waiting for connection", nil)
	// ErrAuthTimeout is returned when the authenticate exchange does not
	// complete within the configured auth timeout.
	ErrAuthTimeout = transportErr("timed out waiting for authentication", nil)
	// ErrNotAuthenticated is returned for actions emitted before the
	// connection is authenticated.
	ErrNotAuthenticated = actionErr("connection is not authenticated")
	// ErrClosed is returned when the client has been shut down.
	ErrClosed = transportErr("client is closed", nil)
)
