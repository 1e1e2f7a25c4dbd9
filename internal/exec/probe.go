package exec

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrClaudeNotFound is returned when the claude CLI cannot be located.
var ErrClaudeNotFound = errors.New("claude CLI not found")

// probeTimeout bounds a single `claude --version` call.
const probeTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+\S*`)

// ClaudeInfo describes the claude CLI the local adapter will run.
type ClaudeInfo struct {
	Path    string
	Version string
}

// ProbeClaude resolves the claude executable and asks it for its version.
// The returned error explains how to install the CLI when it is missing.
func ProbeClaude(ctx context.Context, runner CommandRunner, name string) (ClaudeInfo, error) {
	if name == "" {
		name = "claude"
	}

	path, err := runner.LookPath(name)
	if err != nil {
		return ClaudeInfo{}, fmt.Errorf("%w: %s\n\n"+
			"The hub runs local agents through the Claude Code CLI.\n\n"+
			"Install it with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n\n"+
			"or point claude.path at an existing binary", ErrClaudeNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := runner.Run(ctx, "", path, "--version")
	if err != nil {
		return ClaudeInfo{Path: path}, fmt.Errorf("%s --version: %w: %s", path, err, strings.TrimSpace(string(out)))
	}

	return ClaudeInfo{Path: path, Version: parseVersion(string(out))}, nil
}

// parseVersion extracts the semantic version from `claude --version`
// output such as "1.0.35 (Claude Code)". Unrecognised output is returned
// trimmed.
func parseVersion(out string) string {
	out = strings.TrimSpace(out)
	if v := versionPattern.FindString(out); v != "" {
		return v
	}
	return out
}
