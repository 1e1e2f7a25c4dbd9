// Package router decides which adapter executes an inbound chat request.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/coswise/claude-code-by-agents/internal/adapter"
	"github.com/coswise/claude-code-by-agents/internal/config"
	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

var (
	// ErrNoValidAgent indicates a request that no agent can serve.
	ErrNoValidAgent = errors.New("no valid agent")
	// ErrMissingRequestID indicates a request without a request id.
	ErrMissingRequestID = errors.New("request id is required")
)

// OrchestratorID is the id given to the orchestrator when the roster does
// not declare one.
const OrchestratorID = "orchestrator"

var mentionPattern = regexp.MustCompile(`@(\w+(?:-\w+)*)`)

// Kind names the adapter a route selects.
type Kind string

const (
	KindLocal        Kind = "local"
	KindRelay        Kind = "relay"
	KindOrchestrator Kind = "orchestrator"
)

// Route is the routing decision for one request.
type Route struct {
	Kind    Kind
	Adapter adapter.Adapter
	Call    adapter.Call
}

// Adapters are the execution strategies a Router chooses between.
type Adapters struct {
	Local    adapter.Adapter
	Relay    adapter.Adapter
	Workflow adapter.Adapter
}

// Dispatcher routes a request and starts its adapter. Routing errors are
// returned before any adapter runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, error)
}

// Router maps requests to adapters. It holds no per-request state, so the
// same inputs always produce the same route.
type Router struct {
	adapters        Adapters
	orchestratorDir string
	roster          func() models.Roster
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithOrchestratorDir sets the working directory that addresses the
// orchestrator.
func WithOrchestratorDir(dir string) Option {
	return func(r *Router) { r.orchestratorDir = dir }
}

// WithRoster sets the roster used when a request carries none.
func WithRoster(fn func() models.Roster) Option {
	return func(r *Router) { r.roster = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router.
func New(adapters Adapters, opts ...Option) *Router {
	r := &Router{
		adapters:        adapters,
		orchestratorDir: config.DefaultOrchestratorDir,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// Route selects the adapter for req.
func (r *Router) Route(req models.ChatRequest) (Route, error) {
	roster := req.AvailableAgents
	if len(roster) == 0 && r.roster != nil {
		roster = r.roster()
	}
	if err := roster.Validate(); err != nil {
		return Route{}, fmt.Errorf("invalid roster: %w", err)
	}

	target, err := r.resolve(req.WorkingDirectory, roster)
	if err != nil {
		return Route{}, err
	}

	if !target.IsOrchestrator {
		return Route{
			Kind:    KindLocal,
			Adapter: r.adapters.Local,
			Call:    adapter.Call{Request: req, Agent: target},
		}, nil
	}

	if worker, ok := mentionedWorker(req.Message, roster); ok {
		relayed := req
		relayed.Message = stripMention(req.Message)
		return Route{
			Kind:    KindRelay,
			Adapter: r.adapters.Relay,
			Call:    adapter.Call{Request: relayed, Agent: worker},
		}, nil
	}

	return Route{
		Kind:    KindOrchestrator,
		Adapter: r.adapters.Workflow,
		Call:    adapter.Call{Request: req, Agent: target, Workers: roster.Workers()},
	}, nil
}

// resolve finds the agent addressed by dir.
func (r *Router) resolve(dir string, roster models.Roster) (models.AgentDescriptor, error) {
	if dir == "" {
		return models.AgentDescriptor{}, fmt.Errorf("%w: request has no working directory", ErrNoValidAgent)
	}

	if a, ok := roster.FindByDirectory(dir); ok {
		return a, nil
	}

	if dir == r.orchestratorDir {
		if o, ok := roster.Orchestrator(); ok {
			return o, nil
		}
		// Only a roster without any orchestrator gets a synthesized one.
		for _, a := range roster {
			if a.IsOrchestrator || a.WorkingDirectory == dir {
				return models.AgentDescriptor{}, fmt.Errorf("%w: agent %s is disabled", ErrNoValidAgent, a.ID)
			}
		}
		return models.AgentDescriptor{
			ID:               OrchestratorID,
			Name:             "Orchestrator",
			WorkingDirectory: dir,
			IsOrchestrator:   true,
		}, nil
	}

	for _, a := range roster {
		if a.WorkingDirectory == dir {
			return models.AgentDescriptor{}, fmt.Errorf("%w: agent %s is disabled", ErrNoValidAgent, a.ID)
		}
	}

	// A directory the roster does not know is served locally. This is how
	// relayed requests land on a worker's own hub.
	return models.AgentDescriptor{ID: adHocID(dir), WorkingDirectory: dir}, nil
}

// Dispatch routes req and starts the selected adapter.
func (r *Router) Dispatch(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, error) {
	if req.RequestID == "" {
		r.metrics.RoutingFailed("missing_request_id")
		return nil, ErrMissingRequestID
	}

	route, err := r.Route(req)
	if err != nil {
		r.metrics.RoutingFailed(failureReason(err))
		r.logger.Warn("routing failed", "request_id", req.RequestID, "error", err)
		return nil, err
	}
	if route.Adapter == nil {
		return nil, fmt.Errorf("%w: no %s adapter configured", ErrNoValidAgent, route.Kind)
	}

	r.logger.Info("dispatching request",
		"request_id", req.RequestID,
		"route", route.Kind,
		"agent", route.Call.Agent.ID)

	return route.Adapter.Execute(ctx, route.Call), nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrMultipleOrchestrators):
		return "multiple_orchestrators"
	case errors.Is(err, ErrNoValidAgent):
		return "no_valid_agent"
	default:
		return "invalid_roster"
	}
}

// mentionedWorker returns the agent named by the message's only mention,
// if it is an enabled worker.
func mentionedWorker(message string, roster models.Roster) (models.AgentDescriptor, bool) {
	matches := mentionPattern.FindAllStringSubmatch(message, -1)
	if len(matches) != 1 {
		return models.AgentDescriptor{}, false
	}
	a, ok := roster.Find(matches[0][1])
	if !ok || a.IsOrchestrator || !a.Enabled() {
		return models.AgentDescriptor{}, false
	}
	return a, true
}

// stripMention removes the mention token and the whitespace it leaves.
func stripMention(message string) string {
	return strings.Join(strings.Fields(mentionPattern.ReplaceAllString(message, "")), " ")
}

func adHocID(dir string) string {
	dir = strings.TrimRight(dir, "/")
	if i := strings.LastIndex(dir, "/"); i >= 0 && i < len(dir)-1 {
		return dir[i+1:]
	}
	return "local"
}
