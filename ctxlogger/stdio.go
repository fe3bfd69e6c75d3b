package ctxlogger

import (
	"log"
	"os"
	"time"
)

type stdIOLogger struct {
	stderr *log.Logger
	debug  bool
}

// NewStdIOLogger logger that writes to stderr so output pipes stay clean.
// Debug messages are dropped unless debug is set.
func NewStdIOLogger(debug bool) Logger {
	return &stdIOLogger{
		stderr: log.New(os.Stderr, "", 0),
		debug:  debug,
	}
}

func (l *stdIOLogger) withPrefix(level, format string, args ...interface{}) {
	margs := []interface{}{time.Now().Format("15:04:05.000"), level}
	margs = append(margs, args...)
	l.stderr.Printf("%s %s "+format, margs...)
}

func (l *stdIOLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.withPrefix("DEBUG", format, args...)
}

func (l *stdIOLogger) Printf(format string, args ...interface{}) {
	l.withPrefix("INFO", format, args...)
}

func (l *stdIOLogger) Warnf(format string, args ...interface{}) {
	l.withPrefix("WARN", format, args...)
}

func (l *stdIOLogger) Errorf(format string, args ...interface{}) {
	l.withPrefix("ERROR", format, args...)
}
