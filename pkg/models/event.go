package models

import (
	"encoding/json"
	"fmt"
)

// EventType is the envelope tag of a canonical stream event.
type EventType string

const (
	// EventData carries an upstream-shaped payload.
	EventData EventType = "data"
	// EventDone terminates a stream that completed normally.
	EventDone EventType = "done"
	// EventAborted terminates a stream that was cancelled.
	EventAborted EventType = "aborted"
	// EventError terminates a stream that failed.
	EventError EventType = "error"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventAborted || t == EventError
}

// Valid returns true if the type is a known value.
func (t EventType) Valid() bool {
	switch t {
	case EventData, EventDone, EventAborted, EventError:
		return true
	default:
		return false
	}
}

// StreamEvent is one line of the newline-delimited event stream.
type StreamEvent struct {
	Type  EventType       `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Done returns a done event.
func Done() StreamEvent { return StreamEvent{Type: EventDone} }

// Aborted returns an aborted event.
func Aborted() StreamEvent { return StreamEvent{Type: EventAborted} }

// Errorf returns an error event with a formatted message.
func Errorf(format string, args ...any) StreamEvent {
	return StreamEvent{Type: EventError, Error: fmt.Sprintf(format, args...)}
}

// DataEvent wraps raw upstream JSON unchanged.
func DataEvent(raw json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventData, Data: raw}
}

// NewDataEvent marshals v as the payload of a data event.
func NewDataEvent(v any) (StreamEvent, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return StreamEvent{}, fmt.Errorf("marshal payload: %w", err)
	}
	return DataEvent(raw), nil
}

// Payload decodes the data payload of a data event.
func (e StreamEvent) Payload() (*Payload, error) {
	if e.Type != EventData || len(e.Data) == 0 {
		return nil, fmt.Errorf("event %q carries no payload", e.Type)
	}
	var p Payload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}

// PayloadType is the upstream message kind inside a data event.
type PayloadType string

const (
	PayloadSystem    PayloadType = "system"
	PayloadAssistant PayloadType = "assistant"
	PayloadResult    PayloadType = "result"
	PayloadUser      PayloadType = "user"
)

// Known system subtypes.
const (
	SubtypeInit          = "init"
	SubtypeConnectionAck = "connection_ack"
)

// Payload is the upstream message carried by a data event. It mirrors the
// stream-json shape emitted by the local claude CLI.
type Payload struct {
	Type      PayloadType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`

	// System fields.
	CWD       string   `json:"cwd,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`

	// Assistant and user fields.
	Message *AssistantMessage `json:"message,omitempty"`

	// Result fields.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

// AssistantMessage is the message object of an assistant payload.
type AssistantMessage struct {
	ID           string            `json:"id,omitempty"`
	Type         string            `json:"type,omitempty"`
	Role         string            `json:"role,omitempty"`
	Model        string            `json:"model,omitempty"`
	Content      []ContentFragment `json:"content"`
	StopReason   string            `json:"stop_reason,omitempty"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// Usage is provider token usage.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// FragmentType distinguishes content fragments.
type FragmentType string

const (
	FragmentText    FragmentType = "text"
	FragmentToolUse FragmentType = "tool_use"
)

// ContentFragment is one element of an assistant message's content.
// Input holds the tool arguments; when they failed to parse it holds the
// raw argument text encoded as a JSON string.
type ContentFragment struct {
	Type  FragmentType    `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}
