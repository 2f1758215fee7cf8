// Package broker implements the request-brokering engine of toolgate: tool
// and provider registries, session admission, the call scheduler (semaphore
// tree + duplicate-call coalescing), and the dispatcher that runs tools under
// the layered timeout hierarchy with cooperative cancellation.
//
// Protocol frontends construct [Request] values and hand them to
// [Dispatcher.Dispatch]; the broker does not know which wire protocol a
// request arrived on.
package broker

import (
	"context"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/toolgate/internal/config"
)

// Transport identifies the protocol a session arrived on.
type Transport string

const (
	// TransportStdio is the MCP JSON-RPC stream on stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportWS is the framed JSON protocol over WebSocket.
	TransportWS Transport = "ws"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportWS
}

// Visibility tags a tool for catalog filtering.
type Visibility string

const (
	// VisibilityCore tools appear in every catalog listing.
	VisibilityCore Visibility = "core"

	// VisibilityAdvanced tools appear only when advanced listings are requested.
	VisibilityAdvanced Visibility = "advanced"

	// VisibilityHidden tools never appear in listings but remain callable.
	VisibilityHidden Visibility = "hidden"
)

// IsValid reports whether v is a recognised visibility tag.
func (v Visibility) IsValid() bool {
	switch v {
	case VisibilityCore, VisibilityAdvanced, VisibilityHidden:
		return true
	}
	return false
}

// Status is the terminal state of a call. Every call reaches exactly one.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Cancellation reasons recorded on cancelled calls.
const (
	ReasonSessionClosed = "session_closed"
	ReasonClientCancel  = "client_cancel"
	ReasonShutdown      = "shutdown"
)

// Result is the normalised outcome of a call: exactly one of the four
// terminal shapes from the call state machine.
type Result struct {
	Status Status

	// Payload is the tool's result value when Status is ok.
	Payload any

	// Err is set when Status is error.
	Err *Error

	// Reason is set when Status is cancelled.
	Reason string
}

// Terminal reports whether r carries a terminal status.
func (r Result) Terminal() bool {
	switch r.Status {
	case StatusOK, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// OKResult wraps a payload in an ok result.
func OKResult(payload any) Result {
	return Result{Status: StatusOK, Payload: payload}
}

// ErrResult wraps a classified error in an error result.
func ErrResult(err *Error) Result {
	return Result{Status: StatusError, Err: err}
}

// TimeoutResult is the shared timeout terminal.
func TimeoutResult() Result {
	return Result{Status: StatusTimeout}
}

// CancelledResult is the cancelled terminal with the given reason.
func CancelledResult(reason string) Result {
	return Result{Status: StatusCancelled, Reason: reason}
}

// ToolContext is the execution context passed to tool implementations. Tools
// must observe ctx at every I/O boundary; the dispatcher signals cancellation
// promptly but cannot terminate uncooperative code synchronously.
type ToolContext struct {
	// RequestID is the client-supplied request identifier.
	RequestID string

	// SessionID identifies the originating session.
	SessionID string

	// Provider is the resolved provider handle, nil for provider-agnostic
	// calls that did not name one.
	Provider ProviderHandle

	// Deadline is the tool-tier deadline for this call.
	Deadline time.Time
}

// Tool is a callable operation registered in the [Registry].
//
// Execute returns the payload for an ok terminal, or an error. Returning a
// [*Error] preserves the classification (e.g. KindToolError,
// KindProviderError); any other error is reported as KindToolError.
type Tool interface {
	Execute(ctx context.Context, args map[string]any, tc ToolContext) (any, error)
}

// ToolFunc adapts a plain function to the [Tool] interface.
type ToolFunc func(ctx context.Context, args map[string]any, tc ToolContext) (any, error)

// Execute implements [Tool].
func (f ToolFunc) Execute(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
	return f(ctx, args, tc)
}

// Descriptor is the immutable registration record for a tool.
type Descriptor struct {
	// Name is the unique tool name.
	Name string

	// Description is the human-readable catalog description.
	Description string

	// InputSchema validates argument presence and primitive types, and is
	// exported verbatim in MCP catalog listings. Nil means any object.
	InputSchema *jsonschema.Schema

	// Visibility controls catalog filtering.
	Visibility Visibility

	// Provider optionally binds the tool to a named provider. Empty means
	// provider-agnostic; callers may still select one via args.provider.
	Provider string

	// Tier selects the deadline class.
	Tier config.Tier
}

// Request is one tool invocation as produced by a protocol frontend.
type Request struct {
	// RequestID is the client-supplied id, echoed in responses and telemetry.
	RequestID string

	// ToolName names the tool to invoke.
	ToolName string

	// Args is the raw argument bag from the wire.
	Args map[string]any

	// Notify, when non-nil, receives a copy of every telemetry event emitted
	// for this call so the frontend can mirror them onto its wire.
	Notify func(event string, fields map[string]any)
}
