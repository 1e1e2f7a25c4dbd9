// Package adapter executes a chat request against one agent and turns the
// result into a stream of events.
//
// Three adapters exist: Local runs the claude CLI as a subprocess, Relay
// forwards the request to a remote hub over HTTP, and Workflow asks the
// Anthropic API for an execution plan. Every adapter registers the request
// id for cancellation for the lifetime of its stream and ends the stream with
// exactly one terminal event (done, aborted or error).
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/registry"
	"github.com/coswise/claude-code-by-agents/internal/tracing"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// streamBuffer is the capacity of every adapter's event channel.
const streamBuffer = 100

// ErrUpstreamAborted reports that a remote hub ended its stream with an
// aborted event.
var ErrUpstreamAborted = errors.New("upstream aborted")

// UpstreamError carries an error message produced by the upstream side of an
// adapter, such as a remote hub's error event. The message is surfaced
// unchanged.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string { return e.Message }

// Call is one request bound to the agent that will execute it.
type Call struct {
	Request models.ChatRequest
	Agent   models.AgentDescriptor
	// Workers is the roster the orchestrator may plan over. Only the
	// Workflow adapter reads it.
	Workers models.Roster
}

// Adapter executes calls. The returned channel is closed after the terminal
// event; callers must drain it.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, call Call) <-chan models.StreamEvent
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// emitFunc delivers one data event. It gives up once the request context is
// done so a stalled consumer cannot wedge a cancelled adapter.
type emitFunc func(models.StreamEvent)

// bodyFunc is the adapter-specific part of an execution. A nil return ends
// the stream with done.
type bodyFunc func(ctx context.Context, emit emitFunc) error

type base struct {
	name     string
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func newBase(name string, deps Deps) base {
	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}
	return base{
		name:     name,
		registry: reg,
		metrics:  deps.Metrics,
		logger:   logging.OrDefault(deps.Logger).With("adapter", name),
	}
}

// Name returns the adapter name used in logs and metrics.
func (b *base) Name() string { return b.name }

// run owns the request lifecycle: it registers the request id, runs body,
// maps its outcome to a terminal event and releases the registration before
// that terminal event is delivered.
func (b *base) run(parent context.Context, call Call, body bodyFunc) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, streamBuffer)

	go func() {
		defer close(out)

		requestID := call.Request.RequestID
		logger := b.logger.With("request_id", requestID, "agent", call.Agent.ID)

		ctx, lease, err := b.registry.Acquire(parent, requestID)
		if err != nil {
			logger.Warn("request rejected", "error", err)
			out <- models.Errorf("%v", err)
			return
		}
		defer lease.Release()

		ctx, span := tracing.StartSpan(ctx, "adapter."+b.name,
			tracing.KeyRequestID.String(requestID),
			tracing.KeyAgentID.String(call.Agent.ID),
			tracing.KeyAdapter.String(b.name),
		)
		defer span.End()

		start := time.Now()
		b.metrics.RequestStarted()
		logger.Debug("request started")

		emit := func(ev models.StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		err = safeCall(ctx, emit, body)
		term := terminalFor(ctx, err)

		lease.Release()
		b.metrics.RequestFinished(b.name, string(term.Type), time.Since(start))
		span.SetAttributes(tracing.KeyOutcome.String(string(term.Type)))
		switch term.Type {
		case models.EventError:
			tracing.RecordError(span, err)
			logger.Warn("request failed", "error", term.Error, "duration", time.Since(start))
		case models.EventAborted:
			logger.Info("request aborted", "duration", time.Since(start))
		default:
			tracing.SetOK(span)
			logger.Debug("request finished", "duration", time.Since(start))
		}

		out <- term
	}()

	return out
}

func safeCall(ctx context.Context, emit emitFunc, body bodyFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return body(ctx, emit)
}

// terminalFor maps the body's result to the single terminal event.
func terminalFor(ctx context.Context, err error) models.StreamEvent {
	switch {
	case err == nil:
		return models.Done()
	case errors.Is(err, ErrUpstreamAborted):
		return models.Aborted()
	case ctx.Err() != nil:
		return models.Aborted()
	case errors.Is(err, registry.ErrAborted), errors.Is(err, context.Canceled):
		return models.Aborted()
	default:
		return models.StreamEvent{Type: models.EventError, Error: err.Error()}
	}
}
