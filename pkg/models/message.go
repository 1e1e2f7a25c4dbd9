package models

import (
	"encoding/json"
	"time"
)

// MessageKind classifies a rendered chat message.
type MessageKind string

const (
	MessageUser      MessageKind = "user"
	MessageSystem    MessageKind = "system"
	MessageAssistant MessageKind = "assistant"
	MessageTool      MessageKind = "tool"
	MessageResult    MessageKind = "result"
	MessagePlan      MessageKind = "plan"
	MessageError     MessageKind = "error"
	MessageAborted   MessageKind = "aborted"
)

// ChatMessage is a message ready for a transcript.
type ChatMessage struct {
	ID        string           `json:"id"`
	Kind      MessageKind      `json:"kind"`
	Content   string           `json:"content"`
	AgentID   string           `json:"agentId,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	ToolName  string           `json:"toolName,omitempty"`
	ToolInput json.RawMessage  `json:"toolInput,omitempty"`
	Steps     []*ExecutionStep `json:"steps,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
