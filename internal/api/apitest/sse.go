// Package apitest serves canned Anthropic streaming responses for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Event is one server-sent event. Data is marshalled to JSON unless it is
// already a string.
type Event struct {
	Name string
	Data any
}

// Server is an httptest server standing in for the Messages API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []map[string]any
}

// BaseURL returns the URL to hand to option.WithBaseURL.
func (s *Server) BaseURL() string {
	return s.Server.URL + "/"
}

// Requests returns the decoded bodies of all requests received so far.
func (s *Server) Requests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.requests...)
}

// NewStreamServer replies to every POST /v1/messages with events. When
// hold is non-nil the handler blocks after writing the events until hold
// is closed or the client goes away.
func NewStreamServer(t *testing.T, events []Event, hold <-chan struct{}) *Server {
	t.Helper()

	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		s.mu.Lock()
		s.requests = append(s.requests, decoded)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		for _, ev := range events {
			data, ok := ev.Data.(string)
			if !ok {
				b, err := json.Marshal(ev.Data)
				if err != nil {
					t.Errorf("marshal event %s: %v", ev.Name, err)
					return
				}
				data = string(b)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			if flusher != nil {
				flusher.Flush()
			}
		}

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// NewErrorServer replies to every request with status and an API error body.
func NewErrorServer(t *testing.T, status int, message string) *Server {
	t.Helper()

	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"type":"error","error":{"type":"api_error","message":%q}}`, message)
	}))
	t.Cleanup(s.Close)
	return s
}

// PlanStream returns the event sequence of a response that says text and
// then calls toolName with input split into two JSON deltas.
func PlanStream(text, toolName, input string) []Event {
	half := len(input) / 2
	return []Event{
		{"message_start", map[string]any{"type": "message_start", "message": map[string]any{
			"id": "msg_test", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
			"content": []any{}, "usage": map[string]any{"input_tokens": 120, "output_tokens": 1},
		}}},
		{"content_block_start", map[string]any{"type": "content_block_start", "index": 0, "content_block": map[string]any{"type": "text", "text": ""}}},
		{"content_block_delta", map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": text[:len(text)/2]}}},
		{"content_block_delta", map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": text[len(text)/2:]}}},
		{"content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}},
		{"content_block_start", map[string]any{"type": "content_block_start", "index": 1, "content_block": map[string]any{"type": "tool_use", "id": "toolu_1", "name": toolName, "input": map[string]any{}}}},
		{"content_block_delta", map[string]any{"type": "content_block_delta", "index": 1, "delta": map[string]any{"type": "input_json_delta", "partial_json": input[:half]}}},
		{"content_block_delta", map[string]any{"type": "content_block_delta", "index": 1, "delta": map[string]any{"type": "input_json_delta", "partial_json": input[half:]}}},
		{"content_block_stop", map[string]any{"type": "content_block_stop", "index": 1}},
		{"message_delta", map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": "tool_use", "stop_sequence": nil}, "usage": map[string]any{"output_tokens": 85}}},
		{"message_stop", map[string]any{"type": "message_stop"}},
	}
}
