// Package exec runs external commands on behalf of the hub's tooling, such
// as probing the claude CLI before serving.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// LookPath resolves an executable name the way the adapters will.
	LookPath(name string) (string, error)
}
