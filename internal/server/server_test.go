package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coswise/claude-code-by-agents/internal/adapter"
	"github.com/coswise/claude-code-by-agents/internal/client"
	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/registry"
	"github.com/coswise/claude-code-by-agents/internal/router"
	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// fakeDispatcher answers every request with the events registered for its
// working directory, or done when none are.
type fakeDispatcher struct {
	mu       sync.Mutex
	byDir    map[string][]models.StreamEvent
	err      error
	requests []models.ChatRequest
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req models.ChatRequest) (<-chan models.StreamEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	events, ok := f.byDir[req.WorkingDirectory]
	f.mu.Unlock()
	if !ok {
		events = []models.StreamEvent{models.Done()}
	}

	out := make(chan models.StreamEvent, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out, nil
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	srv := httptest.NewServer(New(Config{MaxParallel: 2}, deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, r io.Reader) []models.StreamEvent {
	t.Helper()
	dec := stream.NewDecoder(r)
	var events []models.StreamEvent
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestChat_StreamsAckThenEvents(t *testing.T) {
	d := &fakeDispatcher{byDir: map[string][]models.StreamEvent{
		"/src/web": {models.DataEvent(json.RawMessage(`{"type":"result","result":"ok"}`)), models.Done()},
	}}
	srv := newTestServer(t, Deps{Dispatcher: d})

	resp := postJSON(t, srv.URL+"/api/chat", models.ChatRequest{
		Message: "hi", RequestID: "r1", WorkingDirectory: "/src/web",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := readAll(t, resp.Body)
	require.Len(t, events, 3)

	ack, err := events[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, models.PayloadSystem, ack.Type)
	assert.Equal(t, models.SubtypeConnectionAck, ack.Subtype)
	assert.NotZero(t, ack.Timestamp)

	assert.JSONEq(t, `{"type":"result","result":"ok"}`, string(events[1].Data))
	assert.Equal(t, models.EventDone, events[2].Type)
}

func TestChat_RoutingFailures(t *testing.T) {
	r := router.New(router.Adapters{}, router.WithLogger(logging.Discard()))
	srv := newTestServer(t, Deps{Dispatcher: r})

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing request id", models.ChatRequest{Message: "hi", WorkingDirectory: "/src"}, router.ErrMissingRequestID.Error()},
		{"no agent", models.ChatRequest{Message: "hi", RequestID: "r1"}, router.ErrNoValidAgent.Error()},
		{"bad body", "not an object", "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Contains(t, decodeError(t, resp), tt.want)
		})
	}
}

func TestAbort_UnknownRequest(t *testing.T) {
	srv := newTestServer(t, Deps{Dispatcher: &fakeDispatcher{}})

	resp := postJSON(t, srv.URL+"/api/abort/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body models.AbortResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Aborted)
	assert.Equal(t, "nope", body.RequestID)
}

// TestChat_AbortLocalRequest starts a long-running local agent, aborts it
// through the API and checks that the stream ends with aborted and the
// request id is no longer registered.
func TestChat_AbortLocalRequest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	bin := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" +
		"echo '{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"s1\"}'\n" +
		"exec sleep 30\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	reg := registry.New()
	deps := adapter.Deps{Registry: reg, Logger: logging.Discard()}
	r := router.New(router.Adapters{Local: adapter.NewLocal(deps, bin)}, router.WithLogger(logging.Discard()))
	srv := newTestServer(t, Deps{Dispatcher: r, Registry: reg})

	resp := postJSON(t, srv.URL+"/api/chat", models.ChatRequest{
		Message: "work", RequestID: "r1", WorkingDirectory: t.TempDir(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dec := stream.NewDecoder(resp.Body)
	ack, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventData, ack.Type)

	initEv, err := dec.Next()
	require.NoError(t, err)
	p, err := initEv.Payload()
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SessionID)
	assert.True(t, reg.Has("r1"))

	abort := postJSON(t, srv.URL+"/api/abort/r1", nil)
	require.Equal(t, http.StatusOK, abort.StatusCode)
	var body models.AbortResponse
	require.NoError(t, json.NewDecoder(abort.Body).Decode(&body))
	assert.Equal(t, models.AbortResponse{RequestID: "r1", Aborted: true}, body)

	term, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventAborted, term.Type)
	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)

	assert.Zero(t, reg.Len())
	again := postJSON(t, srv.URL+"/api/abort/r1", nil)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func planRoster() models.Roster {
	return models.Roster{
		{ID: "orchestrator", WorkingDirectory: "/tmp/orchestrator", IsOrchestrator: true},
		{ID: "web", WorkingDirectory: "/src/web"},
		{ID: "api", WorkingDirectory: "/src/api"},
	}
}

func TestExecutePlan_StreamsSchedulerEvents(t *testing.T) {
	d := &fakeDispatcher{byDir: map[string][]models.StreamEvent{
		"/src/api": {models.Errorf("compile error")},
	}}
	db, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := newTestServer(t, Deps{Dispatcher: d, Roster: planRoster, Plans: db})

	var events []orchestrator.Event
	terminal, err := client.New(srv.URL).ExecutePlan(context.Background(), models.PlanRequest{
		Steps: []*models.ExecutionStep{
			{ID: "a", Agent: "web", Message: "build page"},
			{ID: "b", Agent: "api", Message: "build api", Dependencies: []string{"a"}},
			{ID: "c", Agent: "web", Message: "wire it", Dependencies: []string{"b"}},
		},
	}, func(ev orchestrator.Event) { events = append(events, ev) })
	require.NoError(t, err)

	require.Equal(t, orchestrator.EventPlanStalled, terminal.Type)
	require.Len(t, terminal.Blocked, 1)
	assert.Equal(t, "c", terminal.Blocked[0].StepID)
	assert.Equal(t, "prerequisite b failed", terminal.Blocked[0].Reason)

	var failed []string
	for _, ev := range events {
		if ev.Type == orchestrator.EventStepFailed {
			failed = append(failed, ev.StepID+": "+ev.Error)
		}
	}
	assert.Equal(t, []string{"b: compile error"}, failed)

	d.mu.Lock()
	dirs := make([]string, 0, len(d.requests))
	for _, req := range d.requests {
		dirs = append(dirs, req.WorkingDirectory)
	}
	d.mu.Unlock()
	assert.Equal(t, []string{"/src/web", "/src/api"}, dirs)

	resp, err := http.Get(srv.URL + "/api/plans/" + terminal.PlanID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan planView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plan))
	assert.Equal(t, orchestrator.OutcomeStalled, plan.Status)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, models.StepCompleted, plan.Steps[0].Status)
	assert.Equal(t, models.StepFailed, plan.Steps[1].Status)
	assert.Equal(t, models.StepPending, plan.Steps[2].Status)

	list, err := http.Get(srv.URL + "/api/plans?limit=5")
	require.NoError(t, err)
	defer list.Body.Close()
	var plans []planView
	require.NoError(t, json.NewDecoder(list.Body).Decode(&plans))
	require.Len(t, plans, 1)
	assert.Equal(t, terminal.PlanID, plans[0].ID)
}

func TestExecutePlan_RejectsInvalidPlans(t *testing.T) {
	srv := newTestServer(t, Deps{Dispatcher: &fakeDispatcher{}, Roster: planRoster})

	tests := []struct {
		name  string
		steps []*models.ExecutionStep
		want  string
	}{
		{"empty", nil, "plan has no steps"},
		{"duplicate", []*models.ExecutionStep{{ID: "a", Agent: "web"}, {ID: "a", Agent: "api"}}, "duplicate step id"},
		{"missing id", []*models.ExecutionStep{{Agent: "web"}}, "empty id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/plans", models.PlanRequest{Steps: tt.steps})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp), tt.want)
		})
	}
}

func TestExecutePlan_RequestRosterWins(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(t, Deps{Dispatcher: d, Roster: planRoster})

	terminal, err := client.New(srv.URL).ExecutePlan(context.Background(), models.PlanRequest{
		Steps:           []*models.ExecutionStep{{ID: "a", Agent: "docs", Message: "write"}},
		AvailableAgents: models.Roster{{ID: "docs", WorkingDirectory: "/src/docs"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.EventPlanCompleted, terminal.Type)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.requests, 1)
	assert.Equal(t, "/src/docs", d.requests[0].WorkingDirectory)
}

func TestPlans_LedgerDisabled(t *testing.T) {
	srv := newTestServer(t, Deps{Dispatcher: &fakeDispatcher{}})

	resp, err := http.Get(srv.URL + "/api/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Deps{Dispatcher: &fakeDispatcher{}, Roster: planRoster})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)
	assert.Equal(t, 3, body.Agents)
	assert.Zero(t, body.ActiveRequests)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	srv := newTestServer(t, Deps{Dispatcher: &fakeDispatcher{}, Metrics: m})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agenthub_http_requests_total{code="200",method="GET",route="GET /healthz"} 1`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{ShutdownTimeout: time.Second}, Deps{Dispatcher: &fakeDispatcher{}, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	assert.Error(t, err)
}
