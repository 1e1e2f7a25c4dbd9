// Package client talks to a hub's HTTP API: it streams chat requests,
// aborts them, and submits plans.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	// Message is the server's {"error": ...} text, when present.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error! status: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// Client is an HTTP client for one hub.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. It must not set a
// Timeout, which would cut long streams.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the hub at baseURL, e.g. http://127.0.0.1:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	return c
}

// BaseURL returns the hub address.
func (c *Client) BaseURL() string { return c.baseURL }

// Stream is an open chat response.
type Stream struct {
	body io.ReadCloser
	dec  *stream.Decoder
}

// Next returns the next event. It returns io.EOF when the body ends.
func (s *Stream) Next() (models.StreamEvent, error) {
	return s.dec.Next()
}

// Skipped returns the number of malformed lines dropped.
func (s *Stream) Skipped() int { return s.dec.Skipped() }

// Close releases the response body.
func (s *Stream) Close() error { return s.body.Close() }

// Chat submits req and returns its event stream. Cancelling ctx closes the
// stream; the request keeps running on the hub until aborted.
func (c *Client) Chat(ctx context.Context, req models.ChatRequest) (*Stream, error) {
	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}

	dec := stream.NewDecoder(resp.Body)
	dec.OnSkip(func(line []byte, err error) {
		c.logger.Debug("dropped malformed line", "error", err, "bytes", len(line))
	})
	return &Stream{body: resp.Body, dec: dec}, nil
}

// Collect runs req to completion, calling fn for every event, and returns
// the terminal event. A stream that ends without one yields a nil event.
func (c *Client) Collect(ctx context.Context, req models.ChatRequest, fn func(models.StreamEvent)) (*models.StreamEvent, error) {
	s, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type.Terminal() {
			return &ev, nil
		}
	}
}

// Abort asks the hub to cancel requestID. It reports whether a live request
// was found.
func (c *Client) Abort(ctx context.Context, requestID string) (bool, error) {
	endpoint := c.baseURL + "/api/abort/" + url.PathEscape(requestID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("abort %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	var body models.AbortResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode abort response: %w", err)
		}
		return body.Aborted, nil
	default:
		return false, statusError(resp)
	}
}

// ExecutePlan submits a plan to the hub's scheduler and calls fn for every
// scheduler event. It returns the terminal plan event.
func (c *Client) ExecutePlan(ctx context.Context, req models.PlanRequest, fn func(orchestrator.Event)) (*orchestrator.Event, error) {
	resp, err := c.post(ctx, "/api/plans", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), stream.MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("dropped malformed plan event", "error", err)
			continue
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type.Terminal() {
			return &ev, nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read plan events: %w", err)
	}
	return nil, fmt.Errorf("plan stream ended without a terminal event")
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}
