package logger

import (
	"errors"
	"testing"
	"time"
)

func TestAdaptersSatisfyLogger(t *testing.T) {
	loggers := []Logger{NewNullLogger(), NewPhusluLogger("component", "test"), NewSLogLogger(nil)}
	for _, l := range loggers {
		l.Debug("debug", "user_id", "u", "found", true, "count", 3)
		l.Info("info", "duration", time.Second, "odd")
		l.Error("error", "error", errors.New("boom"), "values", []string{"1"})
	}
}
