package exec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeRunner struct {
	paths  map[string]string
	output string
	err    error
	calls  [][]string
}

func (f *fakeRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.output), f.err
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if p, ok := f.paths[name]; ok {
		return p, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func TestProbeClaude(t *testing.T) {
	r := &fakeRunner{
		paths:  map[string]string{"claude": "/usr/local/bin/claude"},
		output: "1.0.35 (Claude Code)\n",
	}

	info, err := ProbeClaude(context.Background(), r, "")
	if err != nil {
		t.Fatalf("ProbeClaude: %v", err)
	}
	if info.Path != "/usr/local/bin/claude" {
		t.Errorf("Path = %q", info.Path)
	}
	if info.Version != "1.0.35" {
		t.Errorf("Version = %q, want 1.0.35", info.Version)
	}
	if len(r.calls) != 1 || r.calls[0][0] != "/usr/local/bin/claude" || r.calls[0][1] != "--version" {
		t.Errorf("calls = %v", r.calls)
	}
}

func TestProbeClaude_NotFound(t *testing.T) {
	_, err := ProbeClaude(context.Background(), &fakeRunner{}, "claude")
	if !errors.Is(err, ErrClaudeNotFound) {
		t.Fatalf("err = %v, want ErrClaudeNotFound", err)
	}
}

func TestProbeClaude_VersionFails(t *testing.T) {
	r := &fakeRunner{
		paths:  map[string]string{"claude": "/bin/claude"},
		output: "boom",
		err:    errors.New("exit status 1"),
	}

	info, err := ProbeClaude(context.Background(), r, "claude")
	if err == nil {
		t.Fatal("expected an error")
	}
	if info.Path != "/bin/claude" {
		t.Errorf("Path = %q, want the resolved path even on failure", info.Path)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.0.35 (Claude Code)", "1.0.35"},
		{"claude 2.1.0-beta.1\n", "2.1.0-beta.1"},
		{"  dev build \n", "dev build"},
	}
	for _, tt := range tests {
		if got := parseVersion(tt.in); got != tt.want {
			t.Errorf("parseVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExecRunner_Script(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "claude")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"0.9.1 (Claude Code)\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	info, err := ProbeClaude(context.Background(), NewRunner(), script)
	if err != nil {
		t.Fatalf("ProbeClaude: %v", err)
	}
	if info.Version != "0.9.1" {
		t.Errorf("Version = %q, want 0.9.1", info.Version)
	}
}

func TestExecRunner_WorkDir(t *testing.T) {
	dir := t.TempDir()
	out, err := NewRunner().Run(context.Background(), dir, "pwd")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := filepath.EvalSymlinks(string(trimNewline(out)))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
