package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// Classify turns one canonical event into zero or more rendered messages.
// Message ids and agent attribution are left to the caller.
//
// Consecutive text fragments of an assistant payload collapse into one
// assistant message; every tool invocation becomes its own message, in
// content order. Unrecognized payload types render nothing.
func Classify(ev models.StreamEvent) []models.ChatMessage {
	now := time.Now()

	switch ev.Type {
	case models.EventDone:
		return nil
	case models.EventAborted:
		return []models.ChatMessage{{Kind: models.MessageAborted, Content: "Request aborted", Timestamp: now}}
	case models.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "unknown error"
		}
		return []models.ChatMessage{{Kind: models.MessageError, Content: msg, Timestamp: now}}
	case models.EventData:
	default:
		return nil
	}

	p, err := ev.Payload()
	if err != nil {
		return nil
	}

	switch p.Type {
	case models.PayloadSystem:
		return []models.ChatMessage{{Kind: models.MessageSystem, Content: describeSystem(p), Timestamp: now}}
	case models.PayloadResult:
		return []models.ChatMessage{{Kind: models.MessageResult, Content: describeResult(p), Timestamp: now}}
	case models.PayloadAssistant:
		if p.Message == nil {
			return nil
		}
		return classifyAssistant(p.Message.Content, now)
	default:
		return nil
	}
}

func classifyAssistant(content []models.ContentFragment, now time.Time) []models.ChatMessage {
	var (
		out  []models.ChatMessage
		text strings.Builder
	)
	flushText := func() {
		if text.Len() == 0 {
			return
		}
		out = append(out, models.ChatMessage{Kind: models.MessageAssistant, Content: text.String(), Timestamp: now})
		text.Reset()
	}

	for _, frag := range content {
		switch frag.Type {
		case models.FragmentText:
			text.WriteString(frag.Text)
		case models.FragmentToolUse:
			flushText()
			out = append(out, classifyTool(frag, now))
		}
	}
	flushText()
	return out
}

func classifyTool(frag models.ContentFragment, now time.Time) models.ChatMessage {
	if frag.Name == models.PlanToolName {
		if steps, err := ParsePlan(frag.Input); err == nil {
			return models.ChatMessage{
				Kind:      models.MessagePlan,
				Content:   fmt.Sprintf("Execution plan with %d steps", len(steps)),
				ToolName:  frag.Name,
				ToolInput: frag.Input,
				Steps:     steps,
				Timestamp: now,
			}
		}
	}
	return models.ChatMessage{
		Kind:      models.MessageTool,
		Content:   DescribeTool(frag.Name, frag.Input),
		ToolName:  frag.Name,
		ToolInput: frag.Input,
		Timestamp: now,
	}
}

// ParsePlan decodes the arguments of the plan tool. Steps get pending
// status.
func ParsePlan(input json.RawMessage) ([]*models.ExecutionStep, error) {
	input = bytes.TrimSpace(input)
	if len(input) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	// Arguments that failed to parse upstream arrive as a JSON string.
	if input[0] == '"' {
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return nil, fmt.Errorf("decode plan string: %w", err)
		}
		input = json.RawMessage(s)
	}

	var plan models.Plan
	if err := json.Unmarshal(input, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	for i, s := range plan.Steps {
		if s == nil || s.ID == "" || s.Agent == "" {
			return nil, fmt.Errorf("step %d: id and agent are required", i)
		}
		s.Status = models.StepPending
	}
	return plan.Steps, nil
}

func describeSystem(p *models.Payload) string {
	switch p.Subtype {
	case models.SubtypeInit:
		if p.CWD != "" {
			return "System initialized - Working directory: " + p.CWD
		}
		if p.Model != "" {
			return "System initialized - Model: " + p.Model
		}
		return "System initialized"
	case models.SubtypeConnectionAck:
		return "Connected"
	case "":
		return "System message"
	default:
		return "System: " + p.Subtype
	}
}

func describeResult(p *models.Payload) string {
	var b strings.Builder
	if p.IsError {
		b.WriteString("Task failed")
	} else {
		b.WriteString("Task completed")
	}

	var details []string
	if p.TotalCostUSD > 0 {
		details = append(details, fmt.Sprintf("cost $%.4f", p.TotalCostUSD))
	}
	if p.DurationMS > 0 {
		details = append(details, (time.Duration(p.DurationMS) * time.Millisecond).String())
	}
	if p.NumTurns > 0 {
		details = append(details, fmt.Sprintf("%d turns", p.NumTurns))
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	return b.String()
}

// DescribeTool renders a tool invocation as a short action, e.g.
// "Reading auth.go".
func DescribeTool(name string, input json.RawMessage) string {
	if name == "" {
		return "Tool call"
	}

	var args map[string]interface{}
	_ = json.Unmarshal(input, &args)
	str := func(key string) (string, bool) {
		v, ok := args[key].(string)
		return v, ok && v != ""
	}

	switch name {
	case "Read":
		if path, ok := str("file_path"); ok {
			return "Reading " + truncateFilename(path)
		}
		return "Reading file"
	case "Edit", "MultiEdit":
		if path, ok := str("file_path"); ok {
			return "Editing " + truncateFilename(path)
		}
		return "Editing file"
	case "Write":
		if path, ok := str("file_path"); ok {
			return "Writing " + truncateFilename(path)
		}
		return "Writing file"
	case "Bash":
		if cmd, ok := str("command"); ok {
			return "Running " + truncateCommand(cmd)
		}
		return "Running command"
	case "Glob":
		if pattern, ok := str("pattern"); ok {
			return "Searching " + pattern
		}
		return "Searching files"
	case "Grep":
		if pattern, ok := str("pattern"); ok {
			return "Grep " + truncatePattern(pattern)
		}
		return "Searching code"
	case "WebFetch":
		return "Fetching URL"
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func truncateFilename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if len(path) > 20 {
		return path[:17] + "..."
	}
	return path
}

func truncateCommand(cmd string) string {
	if i := strings.IndexAny(cmd, " \n"); i >= 0 {
		cmd = cmd[:i]
	}
	if len(cmd) > 20 {
		return cmd[:17] + "..."
	}
	return cmd
}

func truncatePattern(pattern string) string {
	if len(pattern) > 15 {
		return pattern[:12] + "..."
	}
	return pattern
}
