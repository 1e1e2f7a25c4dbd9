package models

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	// Message is the user's text.
	Message string `json:"message"`
	// SessionID resumes a prior upstream session when set.
	SessionID string `json:"sessionId,omitempty"`
	// RequestID identifies the request for abort and must be unique among live requests.
	RequestID string `json:"requestId"`
	// WorkingDirectory selects the target agent.
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	// AvailableAgents is the caller's roster snapshot.
	AvailableAgents Roster `json:"availableAgents,omitempty"`
	// AllowedTools restricts the tools a local agent may use.
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// AbortResponse is the body returned by POST /api/abort/{requestId}.
type AbortResponse struct {
	RequestID string `json:"requestId"`
	Aborted   bool   `json:"aborted"`
}

// PlanRequest is the body of POST /api/plans.
type PlanRequest struct {
	Steps           []*ExecutionStep `json:"steps"`
	AvailableAgents Roster           `json:"availableAgents,omitempty"`
}
