package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/registry"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

func testDeps(reg *registry.Registry) Deps {
	return Deps{Registry: reg, Metrics: metrics.New(), Logger: logging.Discard()}
}

func testCall(requestID string) Call {
	return Call{
		Request: models.ChatRequest{Message: "hello", RequestID: requestID},
		Agent:   models.AgentDescriptor{ID: "web", WorkingDirectory: "/tmp"},
	}
}

// collect drains ch, failing the test if it stays open too long.
func collect(t *testing.T, ch <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(events))
			return nil
		}
	}
}

// requireOneTerminal asserts the stream ends with exactly one terminal event.
func requireOneTerminal(t *testing.T, events []models.StreamEvent) models.StreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	for _, ev := range events[:len(events)-1] {
		require.False(t, ev.Type.Terminal(), "terminal event %q before the end", ev.Type)
	}
	last := events[len(events)-1]
	require.True(t, last.Type.Terminal(), "last event %q is not terminal", last.Type)
	return last
}

func TestRun_Done(t *testing.T) {
	reg := registry.New()
	b := newBase("test", testDeps(reg))

	events := collect(t, b.run(context.Background(), testCall("r1"), func(ctx context.Context, emit emitFunc) error {
		assert.True(t, reg.Has("r1"))
		emit(models.DataEvent([]byte(`{"type":"system"}`)))
		return nil
	}))

	require.Len(t, events, 2)
	assert.Equal(t, models.EventData, events[0].Type)
	assert.Equal(t, models.EventDone, requireOneTerminal(t, events).Type)
	assert.False(t, reg.Has("r1"))
}

func TestRun_DuplicateRequestID(t *testing.T) {
	reg := registry.New()
	_, lease, err := reg.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	defer lease.Release()

	called := false
	b := newBase("test", testDeps(reg))
	events := collect(t, b.run(context.Background(), testCall("r1"), func(context.Context, emitFunc) error {
		called = true
		return nil
	}))

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "already registered")
	assert.False(t, called)
	assert.True(t, reg.Has("r1"), "the live request must keep its entry")
}

func TestRun_PanicBecomesError(t *testing.T) {
	reg := registry.New()
	b := newBase("test", testDeps(reg))

	events := collect(t, b.run(context.Background(), testCall("r1"), func(context.Context, emitFunc) error {
		panic("kaboom")
	}))

	last := requireOneTerminal(t, events)
	assert.Equal(t, models.EventError, last.Type)
	assert.Contains(t, last.Error, "kaboom")
	assert.False(t, reg.Has("r1"))
}

func TestRun_CancelYieldsAborted(t *testing.T) {
	reg := registry.New()
	b := newBase("test", testDeps(reg))
	started := make(chan struct{})

	ch := b.run(context.Background(), testCall("r1"), func(ctx context.Context, emit emitFunc) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})

	<-started
	require.True(t, reg.Cancel("r1"))

	events := collect(t, ch)
	assert.Equal(t, models.EventAborted, requireOneTerminal(t, events).Type)
	assert.False(t, reg.Has("r1"))
}

func TestRun_ReleasedBeforeTerminal(t *testing.T) {
	reg := registry.New()
	b := newBase("test", testDeps(reg))

	ch := b.run(context.Background(), testCall("r1"), func(context.Context, emitFunc) error {
		return nil
	})

	ev := <-ch
	require.Equal(t, models.EventDone, ev.Type)
	assert.False(t, reg.Has("r1"), "registry entry must be gone once the terminal is visible")
	collect(t, ch)
}

func TestTerminalFor(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want models.EventType
		msg  string
	}{
		{"nil is done", live, nil, models.EventDone, ""},
		{"upstream aborted", live, ErrUpstreamAborted, models.EventAborted, ""},
		{"cancelled context", cancelled, errors.New("signal: killed"), models.EventAborted, ""},
		{"registry abort", live, registry.ErrAborted, models.EventAborted, ""},
		{"upstream error verbatim", live, &UpstreamError{Message: "remote exploded"}, models.EventError, "remote exploded"},
		{"plain error", live, errors.New("HTTP error! status: 500"), models.EventError, "HTTP error! status: 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := terminalFor(tt.ctx, tt.err)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.msg, got.Error)
		})
	}
}
