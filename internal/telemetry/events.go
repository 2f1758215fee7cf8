// Package telemetry emits the per-call structured event stream of the
// toolgate broker: one JSON object per line, written to stderr and optionally
// to an append-only file.
//
// Every accepted call produces exactly one received event and exactly one
// terminal event; emission failures never propagate to call execution.
package telemetry

import (
	"encoding/json"
	"time"
)

// Event type names.
const (
	EventToolCallReceived  = "tool_call_received"
	EventToolCallAdmitted  = "tool_call_admitted"
	EventToolCoalesced     = "tool_coalesced"
	EventToolCallComplete  = "tool_call_complete"
	EventToolCallFailed    = "tool_call_failed"
	EventToolCallTimeout   = "tool_call_timeout"
	EventToolCallCancelled = "tool_call_cancelled"
	EventSessionOpened     = "session_opened"
	EventSessionClosed     = "session_closed"
)

// Event is a single telemetry record. Only the fields relevant to the event
// type are populated; numeric optionals are pointers so a present zero is
// distinguishable from absent.
type Event struct {
	TS    string `json:"ts"`
	Event string `json:"event"`

	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Transport string `json:"transport,omitempty"`

	ArgSummary      string `json:"arg_summary,omitempty"`
	LeaderRequestID string `json:"leader_request_id,omitempty"`

	WaitMs     *int64 `json:"wait_ms,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	ResultSize *int64 `json:"result_size,omitempty"`
	DeadlineMs *int64 `json:"deadline_ms,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Stack        string `json:"stack,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Ms wraps a millisecond count for an optional numeric field.
func Ms(n int64) *int64 { return &n }

// Now returns the timestamp string used for the TS field.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Terminal reports whether the event type is one of the four call terminals.
func (e Event) Terminal() bool {
	switch e.Event {
	case EventToolCallComplete, EventToolCallFailed, EventToolCallTimeout, EventToolCallCancelled:
		return true
	}
	return false
}

// FieldMap renders the event's populated fields as a generic map, minus the
// envelope (ts, event). Frontends use this to mirror events onto their wire.
func (e Event) FieldMap() map[string]any {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	delete(m, "ts")
	delete(m, "event")
	return m
}
