package core

import "go.uber.org/zap"

type LogLevel uint8

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	case LogLevelTrace:
		return "trace"
	}
	return "unknown"
}

// LogSink receives the log records written by hooks. Storage and formatting are up to the sink.
type LogSink interface {
	Log(level LogLevel, message string)
}

type LogSinkFunc func(level LogLevel, message string)

func (f LogSinkFunc) Log(level LogLevel, message string) {
	f(level, message)
}

type zapLogSink struct {
	logger *zap.Logger
}

// NewZapLogSink forwards hook log records to logger. Trace records are written at debug level.
func NewZapLogSink(logger *zap.Logger) LogSink {
	return &zapLogSink{logger: logger.With(zap.String("log_source", "hook"))}
}

func (s *zapLogSink) Log(level LogLevel, message string) {
	switch level {
	case LogLevelError:
		s.logger.Error(message)
	case LogLevelWarn:
		s.logger.Warn(message)
	case LogLevelInfo:
		s.logger.Info(message)
	case LogLevelDebug:
		s.logger.Debug(message)
	default:
		s.logger.Debug(message, zap.String("log_level", LogLevelTrace.String()))
	}
}
