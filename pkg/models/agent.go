// Package models holds the data types shared by the agent hub: agent
// descriptors, chat requests, canonical stream events, plan steps and
// rendered chat messages.
package models

import (
	"errors"
	"fmt"
)

// ErrMultipleOrchestrators indicates a roster with more than one enabled orchestrator.
var ErrMultipleOrchestrators = errors.New("more than one enabled orchestrator")

// AgentDescriptor describes one agent known to the hub.
type AgentDescriptor struct {
	// ID is the unique identifier used in mentions and plan steps.
	ID string `json:"id" yaml:"id"`
	// Name is the display name.
	Name string `json:"name" yaml:"name"`
	// Description is a short summary shown to the orchestrator.
	Description string `json:"description" yaml:"description"`
	// WorkingDirectory is the directory the agent executes in.
	WorkingDirectory string `json:"workingDirectory" yaml:"working_directory"`
	// APIEndpoint is the base URL of the agent's own hub server.
	APIEndpoint string `json:"apiEndpoint" yaml:"api_endpoint"`
	// IsOrchestrator marks the agent that decomposes work into plans.
	IsOrchestrator bool `json:"isOrchestrator" yaml:"is_orchestrator"`
	// IsEnabled is nil when the flag was omitted, which means enabled.
	IsEnabled *bool `json:"isEnabled,omitempty" yaml:"is_enabled,omitempty"`
}

// Enabled reports whether the agent may receive requests.
func (a AgentDescriptor) Enabled() bool {
	return a.IsEnabled == nil || *a.IsEnabled
}

// DisplayName returns Name, falling back to ID.
func (a AgentDescriptor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Roster is an ordered set of agent descriptors.
type Roster []AgentDescriptor

// Find returns the agent with the given id.
func (r Roster) Find(id string) (AgentDescriptor, bool) {
	for _, a := range r {
		if a.ID == id {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}

// FindByDirectory returns the first enabled agent bound to dir.
func (r Roster) FindByDirectory(dir string) (AgentDescriptor, bool) {
	if dir == "" {
		return AgentDescriptor{}, false
	}
	for _, a := range r {
		if a.WorkingDirectory == dir && a.Enabled() {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}

// Orchestrator returns the enabled orchestrator, if any.
func (r Roster) Orchestrator() (AgentDescriptor, bool) {
	for _, a := range r {
		if a.IsOrchestrator && a.Enabled() {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}

// Workers returns the enabled non-orchestrator agents in roster order.
func (r Roster) Workers() Roster {
	var out Roster
	for _, a := range r {
		if !a.IsOrchestrator && a.Enabled() {
			out = append(out, a)
		}
	}
	return out
}

// IDs returns the agent ids in roster order.
func (r Roster) IDs() []string {
	ids := make([]string, 0, len(r))
	for _, a := range r {
		ids = append(ids, a.ID)
	}
	return ids
}

// Validate checks id uniqueness and the single-orchestrator rule.
func (r Roster) Validate() error {
	seen := make(map[string]bool, len(r))
	orchestrators := 0
	for _, a := range r {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.IsOrchestrator && a.Enabled() {
			orchestrators++
		}
	}
	if orchestrators > 1 {
		return ErrMultipleOrchestrators
	}
	return nil
}
