package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// DefaultClaudePath is the claude executable looked up in PATH.
const DefaultClaudePath = "claude"

// defaultWaitDelay bounds how long Wait blocks on I/O after the process was
// killed.
const defaultWaitDelay = 2 * time.Second

// maxStderr caps the stderr tail kept for error messages.
const maxStderr = 8 * 1024

// Local executes requests with the claude CLI in the agent's working
// directory. Every stdout line that is valid JSON is forwarded unchanged.
type Local struct {
	base
	path      string
	waitDelay time.Duration
}

// NewLocal creates a Local adapter running the executable at path.
func NewLocal(deps Deps, path string) *Local {
	if path == "" {
		path = DefaultClaudePath
	}
	return &Local{
		base:      newBase("local", deps),
		path:      path,
		waitDelay: defaultWaitDelay,
	}
}

// Execute runs the call in a subprocess.
func (l *Local) Execute(ctx context.Context, call Call) <-chan models.StreamEvent {
	return l.run(ctx, call, func(ctx context.Context, emit emitFunc) error {
		return l.execute(ctx, call, emit)
	})
}

// claudeArgs builds the CLI arguments. The prompt goes last, after "--", so
// a message starting with a dash is never parsed as a flag.
func claudeArgs(req models.ChatRequest) []string {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	// A single leading slash is treated as a command marker and dropped.
	prompt := strings.TrimPrefix(req.Message, "/")
	return append(args, "-p", "--", prompt)
}

func (l *Local) execute(ctx context.Context, call Call, emit emitFunc) error {
	cmd := exec.CommandContext(ctx, l.path, claudeArgs(call.Request)...)
	cmd.Dir = call.Agent.WorkingDirectory
	cmd.WaitDelay = l.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", l.path, err)
	}

	// Unblock the reader when the request is cancelled, even if a child of
	// the CLI still holds the pipe open.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stream.MaxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			l.metrics.LineDropped(l.name)
			l.logger.Debug("skipping non-JSON output line",
				"request_id", call.Request.RequestID,
				"line", truncateLine(line))
			continue
		}
		emit(models.DataEvent(append(json.RawMessage(nil), line...)))
	}
	scanErr := scanner.Err()
	if scanErr != nil && cmd.Process != nil {
		// The process may be blocked writing to a pipe nobody reads.
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		msg := waitErr.Error()
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("claude exited with code %d", exitErr.ExitCode())
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg += ": " + tail
		}
		return errors.New(msg)
	}
	if scanErr != nil {
		return fmt.Errorf("read claude output: %w", scanErr)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it. exec copies stderr on
// its own goroutine, but Wait returns only after that copy has finished, so
// reads after Wait need no locking.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func truncateLine(line []byte) string {
	const limit = 200
	if len(line) <= limit {
		return string(line)
	}
	return string(line[:limit]) + "..."
}
