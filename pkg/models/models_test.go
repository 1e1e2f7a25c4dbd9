package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestAgentDescriptor_Enabled(t *testing.T) {
	tests := []struct {
		name string
		flag *bool
		want bool
	}{
		{"omitted flag is enabled", nil, true},
		{"explicit true", boolPtr(true), true},
		{"explicit false", boolPtr(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AgentDescriptor{ID: "a", IsEnabled: tt.flag}
			if got := a.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoster_Lookups(t *testing.T) {
	roster := Roster{
		{ID: "orch", WorkingDirectory: "/tmp/orchestrator", IsOrchestrator: true},
		{ID: "web", WorkingDirectory: "/src/web"},
		{ID: "api", WorkingDirectory: "/src/api", IsEnabled: boolPtr(false)},
	}

	if a, ok := roster.FindByDirectory("/src/web"); !ok || a.ID != "web" {
		t.Errorf("FindByDirectory(/src/web) = %v, %v", a.ID, ok)
	}
	if _, ok := roster.FindByDirectory("/src/api"); ok {
		t.Error("FindByDirectory should skip disabled agents")
	}
	if _, ok := roster.FindByDirectory(""); ok {
		t.Error("FindByDirectory should not match an empty directory")
	}
	if o, ok := roster.Orchestrator(); !ok || o.ID != "orch" {
		t.Errorf("Orchestrator() = %v, %v", o.ID, ok)
	}

	workers := roster.Workers()
	if len(workers) != 1 || workers[0].ID != "web" {
		t.Errorf("Workers() = %v, want [web]", workers.IDs())
	}
}

func TestRoster_Validate(t *testing.T) {
	tests := []struct {
		name    string
		roster  Roster
		wantErr bool
		target  error
	}{
		{"empty roster", nil, false, nil},
		{"one orchestrator", Roster{{ID: "o", IsOrchestrator: true}, {ID: "w"}}, false, nil},
		{"disabled second orchestrator", Roster{
			{ID: "o1", IsOrchestrator: true},
			{ID: "o2", IsOrchestrator: true, IsEnabled: boolPtr(false)},
		}, false, nil},
		{"two orchestrators", Roster{
			{ID: "o1", IsOrchestrator: true},
			{ID: "o2", IsOrchestrator: true},
		}, true, ErrMultipleOrchestrators},
		{"duplicate id", Roster{{ID: "w"}, {ID: "w"}}, true, nil},
		{"empty id", Roster{{Name: "nameless"}}, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.roster.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("Validate() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestEventType_Terminal(t *testing.T) {
	tests := []struct {
		typ  EventType
		want bool
	}{
		{EventData, false},
		{EventDone, true},
		{EventAborted, true},
		{EventError, true},
		{EventType("other"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamEvent_Payload(t *testing.T) {
	raw := `{"type":"assistant","session_id":"s1","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.go"}}]}}`
	ev := DataEvent(json.RawMessage(raw))

	p, err := ev.Payload()
	if err != nil {
		t.Fatalf("Payload() error: %v", err)
	}
	if p.Type != PayloadAssistant || p.SessionID != "s1" {
		t.Errorf("unexpected payload header: %+v", p)
	}
	if len(p.Message.Content) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(p.Message.Content))
	}
	if p.Message.Content[1].Type != FragmentToolUse || p.Message.Content[1].Name != "Read" {
		t.Errorf("unexpected tool fragment: %+v", p.Message.Content[1])
	}

	if _, err := Done().Payload(); err == nil {
		t.Error("expected error for payload of a done event")
	}
}

func TestStreamEvent_WireShape(t *testing.T) {
	b, err := json.Marshal(Errorf("boom %d", 1))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"error","error":"boom 1"}` {
		t.Errorf("unexpected wire form: %s", b)
	}

	b, _ = json.Marshal(Done())
	if string(b) != `{"type":"done"}` {
		t.Errorf("unexpected wire form: %s", b)
	}
}

func TestStepStatus(t *testing.T) {
	if !StepCompleted.Terminal() || !StepFailed.Terminal() {
		t.Error("completed and failed should be terminal")
	}
	if StepPending.Terminal() || StepRunning.Terminal() {
		t.Error("pending and running should not be terminal")
	}
	if StepStatus("done").Valid() {
		t.Error("unknown status should be invalid")
	}
}
