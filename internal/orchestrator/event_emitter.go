package orchestrator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/logging"
)

// emitTimeout is how long Emit waits on a full buffer before dropping a
// progress event.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans scheduler events out to a single subscriber over a
// buffered channel. Its Emit method is meant to be passed to WithObserver.
type EventEmitter struct {
	mu           sync.RWMutex
	closed       bool
	events       chan Event
	droppedCount atomic.Uint64
	logger       *slog.Logger
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *slog.Logger) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logging.OrDefault(logger),
	}
}

// Emit sends an event to the events channel.
// Progress events wait up to 100ms on a full channel and are then dropped.
// Terminal plan events are never dropped, so the subscriber must keep
// draining until Close. Emit after Close is a no-op.
func (e *EventEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	if event.Type.Terminal() {
		e.events <- event
		return
	}

	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()

	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			e.logger.Warn("event channel full, dropped event",
				"dropped_total", count,
				"type", event.Type,
				"step", event.StepID)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. It waits for in-flight Emit calls and is
// safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
