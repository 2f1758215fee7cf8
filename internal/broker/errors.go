package broker

import "fmt"

// Kind is the closed set of error classifications produced by the broker.
// Each kind maps to a stable numeric code for JSON-RPC responses and a stable
// string for WebSocket frames and telemetry.
type Kind string

const (
	KindInvalidRequest  Kind = "InvalidRequest"
	KindUnknownTool     Kind = "UnknownTool"
	KindInvalidArgs     Kind = "InvalidArgs"
	KindUnknownProvider Kind = "UnknownProvider"
	KindAuthError       Kind = "AuthError"
	KindHelloTimeout    Kind = "HelloTimeout"
	KindTimeout         Kind = "Timeout"
	KindCancelled       Kind = "Cancelled"
	KindToolError       Kind = "ToolError"
	KindProviderError   Kind = "ProviderError"
	KindInternal        Kind = "Internal"
)

// Code returns the stable JSON-RPC error code for k. Unknown kinds report
// the generic internal code.
func (k Kind) Code() int {
	switch k {
	case KindInvalidRequest:
		return -32600
	case KindUnknownTool:
		return -32601
	case KindInvalidArgs:
		return -32602
	case KindUnknownProvider:
		return -32010
	case KindAuthError:
		return -32011
	case KindHelloTimeout:
		return -32012
	case KindTimeout:
		return -32013
	case KindCancelled:
		return -32014
	case KindToolError:
		return -32015
	case KindProviderError:
		return -32016
	default:
		return -32000
	}
}

// ClosesSession reports whether an error of this kind terminates the client
// session rather than being returned on a preserved session.
func (k Kind) ClosesSession() bool {
	return k == KindAuthError || k == KindHelloTimeout
}

// Error is a classified broker error. It carries the one-line human message
// returned to clients and optional structured detail. Stack traces never
// appear here; they go to telemetry only.
type Error struct {
	Kind    Kind
	Message string

	// Detail carries optional structured fields, e.g. which argument failed
	// validation. May be nil.
	Detail map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf constructs a classified [*Error] with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError classifies an arbitrary error. A [*Error] passes through unchanged;
// anything else becomes [KindInternal] with a generic client-facing message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		return be
	}
	return &Error{Kind: KindInternal, Message: "internal error"}
}
