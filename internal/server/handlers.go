package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coswise/claude-code-by-agents/internal/graph"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/internal/version"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// errorResponse is the body of every non-streaming failure.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Routing failures are reported before any stream starts.
	events, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	ack, err := models.NewDataEvent(models.Payload{
		Type:      models.PayloadSystem,
		Subtype:   models.SubtypeConnectionAck,
		Timestamp: s.now().UnixMilli(),
	})
	if err == nil {
		err = enc.Encode(ack)
	}

	// The adapter only stops once it has emitted its terminal event, so the
	// channel is drained even after the client went away.
	for ev := range events {
		if err != nil {
			continue
		}
		if err = enc.Encode(ev); err != nil {
			s.logger.Debug("chat client went away", "request_id", req.RequestID, "error", err)
		}
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("requestId")
	if s.registry.Cancel(id) {
		s.logger.Info("request aborted", "request_id", id)
		writeJSON(w, http.StatusOK, models.AbortResponse{RequestID: id, Aborted: true})
		return
	}
	writeJSON(w, http.StatusNotFound, models.AbortResponse{RequestID: id, Aborted: false})
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req models.PlanRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "plan has no steps")
		return
	}
	if err := graph.New().Build(copySteps(req.Steps)); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid plan: %v", err))
		return
	}

	roster := req.AvailableAgents
	if len(roster) == 0 {
		roster = s.roster()
	}
	if err := roster.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid roster: %v", err))
		return
	}

	runner := orchestrator.NewDispatchRunner(s.dispatcher,
		func() models.Roster { return roster }, s.sessions, s.logger)

	emitter := orchestrator.NewEventEmitter(planEventBuffer, s.logger)
	opts := []orchestrator.Option{
		orchestrator.WithMaxParallel(s.cfg.MaxParallel),
		orchestrator.WithObserver(emitter.Emit),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithLogger(s.logger),
	}
	if s.plans != nil {
		opts = append(opts, orchestrator.WithLedger(s.plans))
	}
	sched := orchestrator.NewScheduler(runner, opts...)

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	go func() {
		defer emitter.Close()
		if _, err := sched.Run(r.Context(), req.Steps); err != nil {
			s.logger.Info("plan ended", "error", err)
		}
	}()

	enc := stream.NewEncoder(w)
	var werr error
	for ev := range emitter.Events() {
		if werr != nil {
			continue
		}
		if werr = enc.Encode(ev); werr != nil {
			s.logger.Debug("plan client went away", "error", werr)
		}
	}
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeError(w, http.StatusNotFound, "plan ledger disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	plans, err := s.plans.ListPlans(r.Context(), limit)
	if err != nil {
		s.logger.Error("list plans", "error", err)
		writeError(w, http.StatusInternalServerError, "list plans failed")
		return
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, newPlanView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeError(w, http.StatusNotFound, "plan ledger disabled")
		return
	}

	plan, err := s.plans.GetPlan(r.Context(), r.PathValue("planId"))
	if errors.Is(err, state.ErrPlanNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("get plan", "error", err)
		writeError(w, http.StatusInternalServerError, "get plan failed")
		return
	}
	writeJSON(w, http.StatusOK, newPlanView(*plan))
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveRequests int    `json:"activeRequests"`
	Agents         int    `json:"agents"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Version:        version.Get(),
		ActiveRequests: s.registry.Len(),
		Agents:         len(s.roster()),
	})
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", stream.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// copySteps returns copies so validation cannot touch the caller's steps.
func copySteps(steps []*models.ExecutionStep) []*models.ExecutionStep {
	out := make([]*models.ExecutionStep, len(steps))
	for i, s := range steps {
		if s == nil {
			continue
		}
		cp := *s
		out[i] = &cp
	}
	return out
}
