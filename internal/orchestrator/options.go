package orchestrator

import (
	"log/slog"

	"github.com/coswise/claude-code-by-agents/internal/metrics"
)

// Option configures a Scheduler. Use With* functions to create Options.
type Option func(*schedulerOptions)

// schedulerOptions holds all optional configuration.
type schedulerOptions struct {
	maxParallel int
	observer    func(Event)
	ledger      Ledger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	newID       func() string
}

// WithMaxParallel bounds the number of steps running at once within a wave.
// Zero or a negative value means unbounded.
func WithMaxParallel(n int) Option {
	return func(o *schedulerOptions) { o.maxParallel = n }
}

// WithObserver sets the callback that receives scheduler events. Calls are
// serialized.
func WithObserver(fn func(Event)) Option {
	return func(o *schedulerOptions) { o.observer = fn }
}

// WithLedger records plan runs in l.
func WithLedger(l Ledger) Option {
	return func(o *schedulerOptions) { o.ledger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *schedulerOptions) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *schedulerOptions) { o.logger = l }
}

// WithPlanIDFunc overrides plan ID generation. Useful for testing.
func WithPlanIDFunc(fn func() string) Option {
	return func(o *schedulerOptions) { o.newID = fn }
}
