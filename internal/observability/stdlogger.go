package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger writes structured entries through a standard library logger.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger adapts logger. Debug entries are dropped unless EnableDebug is called.
func NewStdLogger(logger *log.Logger) *StdLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &StdLogger{logger: logger}
}

// EnableDebug turns on debug entries.
func (l *StdLogger) EnableDebug() *StdLogger {
	l.debug = true
	return l
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields ...Field) { l.write("INFO", msg, fields) }

func (l *StdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.logger.Print(b.String())
}
