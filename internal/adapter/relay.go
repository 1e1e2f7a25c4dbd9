package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// DefaultReadTimeout is how long the relay waits for the next chunk from a
// remote hub.
const DefaultReadTimeout = 30 * time.Second

var errReadTimeout = errors.New("relay read timeout")

// Relay forwards requests to the chat endpoint of a remote hub and re-emits
// its data events. The remote terminal event ends the local stream.
type Relay struct {
	base
	client      *http.Client
	readTimeout time.Duration
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) RelayOption {
	return func(r *Relay) { r.client = c }
}

// WithReadTimeout sets the idle timeout between upstream chunks.
func WithReadTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// NewRelay creates a Relay adapter.
func NewRelay(deps Deps, opts ...RelayOption) *Relay {
	r := &Relay{
		base:        newBase("relay", deps),
		client:      &http.Client{},
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute relays the call to the agent's endpoint.
func (r *Relay) Execute(ctx context.Context, call Call) <-chan models.StreamEvent {
	return r.run(ctx, call, func(ctx context.Context, emit emitFunc) error {
		return r.execute(ctx, call, emit)
	})
}

// upstreamRequest is the body sent to the remote hub. The remote runs the
// request in the agent's own directory and never sees the local roster.
func upstreamRequest(call Call) models.ChatRequest {
	return models.ChatRequest{
		Message:          call.Request.Message,
		SessionID:        call.Request.SessionID,
		RequestID:        call.Request.RequestID,
		WorkingDirectory: call.Agent.WorkingDirectory,
		AllowedTools:     call.Request.AllowedTools,
	}
}

func (r *Relay) execute(ctx context.Context, call Call, emit emitFunc) error {
	if call.Agent.APIEndpoint == "" {
		return fmt.Errorf("agent %s has no endpoint", call.Agent.ID)
	}
	url := strings.TrimRight(call.Agent.APIEndpoint, "/") + "/api/chat"

	body, err := json.Marshal(upstreamRequest(call))
	if err != nil {
		return fmt.Errorf("marshal relay request: %w", err)
	}

	readCtx, cancelRead := context.WithCancelCause(ctx)
	defer cancelRead(nil)
	idle := newIdleTimer(r.readTimeout, func() { cancelRead(errReadTimeout) })
	defer idle.disarm()

	req, err := http.NewRequestWithContext(readCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", stream.ContentType)

	idle.arm()
	resp, err := r.client.Do(req)
	idle.disarm()
	if err != nil {
		return r.readFailure(ctx, readCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}

	dec := stream.NewDecoder(&idleReader{r: resp.Body, timer: idle})
	dec.OnSkip(func(line []byte, err error) {
		r.metrics.LineDropped(r.name)
		r.logger.Debug("skipping malformed upstream line",
			"request_id", call.Request.RequestID,
			"agent", call.Agent.ID,
			"error", err)
	})

	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The remote closed without a terminal event.
				return nil
			}
			return r.readFailure(ctx, readCtx, err)
		}

		switch ev.Type {
		case models.EventData:
			// This hub already acknowledged the connection.
			if isConnectionAck(ev) {
				continue
			}
			emit(ev)
		case models.EventDone:
			return nil
		case models.EventAborted:
			return ErrUpstreamAborted
		case models.EventError:
			return &UpstreamError{Message: ev.Error}
		}
	}
}

func isConnectionAck(ev models.StreamEvent) bool {
	if !bytes.Contains(ev.Data, []byte(models.SubtypeConnectionAck)) {
		return false
	}
	p, err := ev.Payload()
	return err == nil && p.Type == models.PayloadSystem && p.Subtype == models.SubtypeConnectionAck
}

func (r *Relay) readFailure(ctx, readCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(context.Cause(readCtx), errReadTimeout) {
		return fmt.Errorf("stream read timeout after %s", r.readTimeout)
	}
	return fmt.Errorf("relay: %w", err)
}

// idleTimer fires when an armed wait exceeds the timeout.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
}

func newIdleTimer(d time.Duration, fire func()) *idleTimer {
	t := time.AfterFunc(d, fire)
	t.Stop()
	return &idleTimer{d: d, timer: t}
}

func (t *idleTimer) arm()    { t.timer.Reset(t.d) }
func (t *idleTimer) disarm() { t.timer.Stop() }

// idleReader arms the timer only while a Read is pending, so time spent
// handing events to a slow consumer does not count against the upstream.
type idleReader struct {
	r     io.Reader
	timer *idleTimer
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.timer.arm()
	n, err := ir.r.Read(p)
	ir.timer.disarm()
	return n, err
}
