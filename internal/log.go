package internal

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
})

// SetLogger replaces the package logger. Call once from main before serving.
func SetLogger(l *log.Logger) {
	_logger = l
}

// Log returns a logger annotated with the request ID, if the context carries
// one. Background goroutines seed synthetic request IDs so their log lines
// remain traceable.
func Log(ctx context.Context) *log.Logger {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _logger.With("requestID", id)
	}
	return _logger
}
