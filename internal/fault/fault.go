// Package fault defines the error taxonomy shared by the gateway's
// components and surfaced through the admin and proxy APIs.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API callers and logs.
type Kind string

const (
	BadInput          Kind = "bad-input"
	Unauthorized      Kind = "unauthorized"
	UnknownServer     Kind = "unknown-server"
	UnknownTool       Kind = "unknown-tool"
	Conflict          Kind = "conflict"
	ImmutableField    Kind = "immutable-field"
	CommandDenied     Kind = "command-denied"
	NotRunning        Kind = "not-running"
	AlreadyRunning    Kind = "already-running"
	ChildSpawn        Kind = "child-spawn"
	ChildExited       Kind = "child-exited"
	ChildWriteTimeout Kind = "child-write-timeout"
	MCPHandshake      Kind = "mcp-handshake"
	MCPTimeout        Kind = "mcp-timeout"
	MCPProtocol       Kind = "mcp-protocol"
	Backpressure      Kind = "backpressure"
	InvalidState      Kind = "invalid-state"
	MissingClientID   Kind = "missing-client-id"
	MissingCredential Kind = "missing-credential"
	OAuthExchange     Kind = "oauth-exchange"
	AuthOverflow      Kind = "auth-overflow"
	CudaOOM           Kind = "cuda-oom"
	ShuttingDown      Kind = "shutting-down"
	Internal          Kind = "internal"
)

// Error is a classified gateway error. Details is optional structured
// context safe to return to API callers.
type Error struct {
	Kind    Kind
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while keeping it unwrappable.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// KindOf extracts the Kind from err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// HTTPStatus maps a kind to the status code the API surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadInput, InvalidState, ImmutableField, CommandDenied:
		return 400
	case Unauthorized:
		return 401
	case UnknownServer, UnknownTool:
		return 404
	case Conflict, AlreadyRunning:
		return 409
	case NotRunning, Backpressure, ShuttingDown, ChildExited, ChildSpawn, CudaOOM:
		return 503
	case MCPTimeout, ChildWriteTimeout:
		return 504
	case OAuthExchange, MCPProtocol, MCPHandshake:
		return 502
	default:
		return 500
	}
}
