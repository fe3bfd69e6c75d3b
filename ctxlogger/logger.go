package ctxlogger

// Logger twitchls logger interface
type Logger interface {
	Debugf(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
