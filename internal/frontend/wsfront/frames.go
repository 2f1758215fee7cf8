// Package wsfront implements the framed-JSON WebSocket frontend: one
// connection per session, a hello/auth handshake, catalog listing, concurrent
// tool calls with per-call cancel, and telemetry events mirrored onto the
// wire.
package wsfront

import (
	"encoding/json"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/internal/config"
)

// Client ops.
const (
	opHello     = "hello"
	opListTools = "list_tools"
	opCallTool  = "call_tool"
	opCancel    = "cancel"
)

// Server ops.
const (
	opHelloOK = "hello_ok"
	opTools   = "tools"
	opResult  = "result"
	opEvent   = "event"
	opError   = "error"
)

// clientFrame is the union of all frames a client may send. Op selects the
// populated fields.
type clientFrame struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id,omitempty"`

	// hello
	Token      string          `json:"token,omitempty"`
	ClientInfo json.RawMessage `json:"client_info,omitempty"`

	// list_tools
	IncludeAdvanced bool `json:"include_advanced,omitempty"`

	// call_tool
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"arguments,omitempty"`
}

// wireDeadlines is the per-tier deadline table advertised in hello_ok. All
// values are whole seconds.
type wireDeadlines struct {
	Tool     int64 `json:"tool_secs"`
	Daemon   int64 `json:"daemon_secs"`
	Frontend int64 `json:"frontend_secs"`
	Client   int64 `json:"client_secs"`
}

func newWireDeadlines(d config.TierDeadlines) wireDeadlines {
	const sec = int64(1e9)
	return wireDeadlines{
		Tool:     int64(d.Tool) / sec,
		Daemon:   int64(d.Daemon) / sec,
		Frontend: int64(d.Frontend) / sec,
		Client:   int64(d.Client) / sec,
	}
}

// wireTool is one catalog entry in a tools frame.
type wireTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Tier        string `json:"tier"`
}

// helloOKFrame acknowledges a successful hello.
type helloOKFrame struct {
	Op        string                   `json:"op"`
	RequestID string                   `json:"request_id,omitempty"`
	SessionID string                   `json:"session_id"`
	Deadlines map[string]wireDeadlines `json:"deadlines"`
}

// toolsListFrame answers a list_tools request.
type toolsListFrame struct {
	Op        string     `json:"op"`
	RequestID string     `json:"request_id"`
	Tools     []wireTool `json:"tools"`
}

// resultOKFrame is the successful terminal for one call.
type resultOKFrame struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Payload   any    `json:"payload"`
}

// errorFrame carries every non-ok terminal and every protocol-level failure:
// the taxonomy kind and code, a one-line message, and optional detail.
type errorFrame struct {
	Op        string         `json:"op"`
	RequestID string         `json:"request_id,omitempty"`
	Kind      string         `json:"kind"`
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// newErrorFrame renders a classified broker error in wire shape.
func newErrorFrame(requestID string, err *broker.Error) errorFrame {
	if err == nil {
		err = broker.Errorf(broker.KindInternal, "internal error")
	}
	return errorFrame{
		Op:        opError,
		RequestID: requestID,
		Kind:      string(err.Kind),
		Code:      err.Kind.Code(),
		Message:   err.Message,
		Detail:    err.Detail,
	}
}

// terminalFrame renders a terminal result for request id: ok results become a
// result frame, everything else becomes an error frame with the matching
// taxonomy kind.
func terminalFrame(requestID string, res broker.Result) any {
	switch res.Status {
	case broker.StatusOK:
		return resultOKFrame{
			Op:        opResult,
			RequestID: requestID,
			OK:        true,
			Payload:   res.Payload,
		}
	case broker.StatusTimeout:
		return newErrorFrame(requestID, broker.Errorf(broker.KindTimeout, "tool call timed out"))
	case broker.StatusCancelled:
		e := broker.Errorf(broker.KindCancelled, "tool call cancelled")
		e.Detail = map[string]any{"reason": res.Reason}
		return newErrorFrame(requestID, e)
	default:
		return newErrorFrame(requestID, res.Err)
	}
}

// eventFrame mirrors one telemetry event onto the wire with its fields
// inlined at the top level of the frame.
func eventFrame(requestID, event string, fields map[string]any) map[string]any {
	f := map[string]any{
		"op":         opEvent,
		"request_id": requestID,
		"event":      event,
	}
	for k, v := range fields {
		switch k {
		case "op", "event", "request_id":
		default:
			f[k] = v
		}
	}
	return f
}

// decodeClientFrame parses and minimally validates one client frame.
func decodeClientFrame(data []byte) (clientFrame, *broker.Error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, broker.Errorf(broker.KindInvalidRequest, "malformed frame: %s", err.Error())
	}
	switch f.Op {
	case opHello, opListTools:
	case opCallTool:
		if f.Tool == "" {
			return f, broker.Errorf(broker.KindInvalidRequest, "call_tool requires a tool name")
		}
		if f.RequestID == "" {
			return f, broker.Errorf(broker.KindInvalidRequest, "call_tool requires a request_id")
		}
	case opCancel:
		if f.RequestID == "" {
			return f, broker.Errorf(broker.KindInvalidRequest, "cancel requires a request_id")
		}
	case "":
		return f, broker.Errorf(broker.KindInvalidRequest, "frame is missing an op")
	default:
		return f, broker.Errorf(broker.KindInvalidRequest, "unknown op %q", f.Op)
	}
	return f, nil
}
