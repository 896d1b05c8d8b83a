package rls

import (
	"errors"

	"github.com/oarkflow/rls/logger"
)

// Logger is re-exported so callers need not import the logger package.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("rls: logger is nil")
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if f == nil {
			return errors.New("rls: trace id func is nil")
		}
		e.traceIDFunc = f
		return nil
	}
}
