package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level oarkflow/log logger.
type PhusluLogger struct {
	// Fields are attached to every entry, e.g. the component name.
	Fields []any
}

func NewPhusluLogger(fields ...any) *PhusluLogger {
	return &PhusluLogger{Fields: fields}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	p.write(phlog.Debug(), msg, keyvals)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	p.write(phlog.Info(), msg, keyvals)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	p.write(phlog.Error(), msg, keyvals)
}

func (p *PhusluLogger) write(e *phlog.Entry, msg string, keyvals []any) {
	e = appendPairs(e, p.Fields)
	e = appendPairs(e, keyvals)
	e.Msg(msg)
}

func appendPairs(e *phlog.Entry, keyvals []any) *phlog.Entry {
	for i := 0; i+1 < len(keyvals); i += 2 {
		k := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			e = e.Str(k, v)
		case bool:
			e = e.Bool(k, v)
		case int:
			e = e.Int(k, v)
		case error:
			e = e.Str(k, v.Error())
		case fmt.Stringer:
			e = e.Str(k, v.String())
		default:
			e = e.Any(k, v)
		}
	}
	return e
}
