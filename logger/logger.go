// Package logger defines the small structured logging surface used by the
// policy engine, the hook server and the CLI, plus adapters for slog and
// github.com/oarkflow/log.
package logger

// Logger accepts a message and alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for a request. It must be safe for
// concurrent calls.
type TraceIDFunc func() string
