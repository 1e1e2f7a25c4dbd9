package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
)

// debugLogFunc adapts a structured logger to the printf-style debug hook of
// graph.Graph. Formatting is skipped unless debug logging is enabled.
func debugLogFunc(logger *slog.Logger) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		logger.Debug(fmt.Sprintf(format, args...))
	}
}
