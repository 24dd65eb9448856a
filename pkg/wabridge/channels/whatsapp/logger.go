package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow's waLog.Logger to slog.
type slogLogger struct {
	logger *slog.Logger
	module string
}

// NewLogger returns a waLog.Logger writing to logger under module.
func NewLogger(logger *slog.Logger, module string) waLog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger, module: module}
}

func (l *slogLogger) log(level slog.Level, msg string, args []interface{}) {
	l.logger.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", "whatsmeow/"+l.module)
}

func (l *slogLogger) Debugf(msg string, args ...interface{}) { l.log(slog.LevelDebug, msg, args) }
func (l *slogLogger) Infof(msg string, args ...interface{})  { l.log(slog.LevelInfo, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...interface{})  { l.log(slog.LevelWarn, msg, args) }
func (l *slogLogger) Errorf(msg string, args ...interface{}) { l.log(slog.LevelError, msg, args) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{logger: l.logger, module: l.module + "/" + module}
}
