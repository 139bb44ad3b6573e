package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion is very chatty at trace.
const levelTrace = slog.LevelDebug - 4

// slogLoggerFactory routes pion's internal logging into slog with a
// "scope" attribute naming the pion component.
type slogLoggerFactory struct {
	logger *slog.Logger
}

var _ logging.LoggerFactory = (*slogLoggerFactory)(nil)

func newSlogLoggerFactory(logger *slog.Logger) *slogLoggerFactory {
	return &slogLoggerFactory{logger: logger.With("component", "pion")}
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{logger: f.logger.With("scope", scope)}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...interface{}) {
	l.logf(levelTrace, format, args...)
}
func (l *slogLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l *slogLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l *slogLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l *slogLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
